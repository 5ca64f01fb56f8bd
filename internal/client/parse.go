package client

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/kjstillabower/sonde-alert-service/internal/models"
	"github.com/kjstillabower/sonde-alert-service/internal/validation"
)

// Positional columns of the flying-sondes table.
const (
	colID = iota
	colType
	colDateTime
	colLat
	colLon
	colCourse
	colSpeed
	colAltitude
	colClimb
	colLaunch
	colFrequency
	numColumns
)

// ErrShortRow is returned for rows with fewer cells than the fixed column layout.
var ErrShortRow = errors.New("row has too few cells")

// ParseError describes a single feed row that could not be turned into a Sonde.
type ParseError struct {
	Row   int    // 1-based data row index
	ID    string // raw id cell, may be empty
	Field string // "row", "id", "lat" or "lon"
	Err   error
}

func (e *ParseError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("row %d (%s): %s: %v", e.Row, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("row %d: %s: %v", e.Row, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseTable reads an HTML document and maps each data row of its first table to a Sonde.
// Rows made only of header cells are ignored. A document without a table is a FetchError.
func ParseTable(r io.Reader) (FetchResult, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return FetchResult{}, &FetchError{Err: fmt.Errorf("parse document: %w", err)}
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return FetchResult{}, &FetchError{Err: ErrNoTable}
	}

	rows := table.ChildrenFiltered("thead, tbody, tfoot").ChildrenFiltered("tr").
		AddSelection(table.ChildrenFiltered("tr"))

	var result FetchResult
	dataRow := 0
	rows.Each(func(_ int, tr *goquery.Selection) {
		if tr.ChildrenFiltered("td").Length() == 0 {
			return
		}
		dataRow++

		var cells []string
		tr.ChildrenFiltered("td, th").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, cellText(cell))
		})

		sonde, perr := parseRow(dataRow, cells)
		if perr != nil {
			result.Skipped = append(result.Skipped, perr)
			return
		}
		result.Sondes = append(result.Sondes, sonde)
	})
	return result, nil
}

func parseRow(row int, cells []string) (models.Sonde, *ParseError) {
	rawID := ""
	if len(cells) > 0 {
		rawID = cells[colID]
	}
	if len(cells) < numColumns {
		return models.Sonde{}, &ParseError{Row: row, ID: rawID, Field: "row", Err: fmt.Errorf("%w: got %d, want %d", ErrShortRow, len(cells), numColumns)}
	}

	id, err := validation.ValidateSondeID(rawID)
	if err != nil {
		return models.Sonde{}, &ParseError{Row: row, ID: rawID, Field: "id", Err: err}
	}
	lat, err := validation.ParseLatitude(cells[colLat])
	if err != nil {
		return models.Sonde{}, &ParseError{Row: row, ID: id, Field: "lat", Err: err}
	}
	lon, err := validation.ParseLongitude(cells[colLon])
	if err != nil {
		return models.Sonde{}, &ParseError{Row: row, ID: id, Field: "lon", Err: err}
	}

	return models.Sonde{
		ID:        id,
		Type:      cells[colType],
		DateTime:  cells[colDateTime],
		Latitude:  lat,
		Longitude: lon,
		Course:    cells[colCourse],
		Speed:     cells[colSpeed],
		Altitude:  cells[colAltitude],
		Climb:     cells[colClimb],
		Launch:    cells[colLaunch],
		Frequency: cells[colFrequency],
	}, nil
}

// cellText returns the cell's text with runs of whitespace collapsed.
func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}
