package notifier

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kjstillabower/sonde-alert-service/internal/models"
)

// Subject returns the alert subject line for s at distanceKm.
func Subject(s models.Sonde, distanceKm float64) string {
	return fmt.Sprintf("Sonde %s within %.2f km from Home position", s.ID, distanceKm)
}

// Body returns the plain-text alert body listing every feed field and the distance.
func Body(s models.Sonde, distanceKm float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sonde ID: %s\n", s.ID)
	fmt.Fprintf(&b, "Type: %s\n", s.Type)
	fmt.Fprintf(&b, "Date and Time: %s\n", s.DateTime)
	fmt.Fprintf(&b, "Latitude: %s\n", formatCoord(s.Latitude))
	fmt.Fprintf(&b, "Longitude: %s\n", formatCoord(s.Longitude))
	fmt.Fprintf(&b, "Course: %s\n", s.Course)
	fmt.Fprintf(&b, "Speed: %s\n", s.Speed)
	fmt.Fprintf(&b, "Altitude: %s\n", s.Altitude)
	fmt.Fprintf(&b, "Climb: %s\n", s.Climb)
	fmt.Fprintf(&b, "Launch city: %s\n", s.Launch)
	fmt.Fprintf(&b, "Frequency: %s\n", s.Frequency)
	fmt.Fprintf(&b, "Distance from Home location: %.2f km\n", distanceKm)
	return b.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// composeMessage builds an RFC 5322 message with CRLF line endings.
func composeMessage(from, to, subject, body, domain string, now time.Time) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", from)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domain))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.TrimRight(body, "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// messageDomain returns the domain part of addr for Message-ID, or fallback.
func messageDomain(addr, fallback string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "<> ")
	}
	return fallback
}
