package geo

import (
	"math"
	"testing"
)

const tolerance = 1e-9

func TestDistanceKm_SamePointIsZero(t *testing.T) {
	points := []Point{
		{0, 0},
		{45.0, 15.0},
		{-33.8688, 151.2093},
		{90, 0},
		{-90, 180},
	}
	for _, p := range points {
		if got := DistanceKm(p.Lat, p.Lon, p.Lat, p.Lon); got != 0 {
			t.Errorf("DistanceKm(%v, %v) = %v, want 0", p, p, got)
		}
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	pairs := [][2]Point{
		{{45.0, 15.0}, {45.0, 16.0}},
		{{51.5074, -0.1278}, {40.7128, -74.0060}},
		{{-10, 170}, {10, -170}},
	}
	for _, pr := range pairs {
		ab := pr[0].DistanceTo(pr[1])
		ba := pr[1].DistanceTo(pr[0])
		if math.Abs(ab-ba) > tolerance {
			t.Errorf("asymmetric distance: %v vs %v", ab, ba)
		}
	}
}

func TestDistanceKm_KnownPair(t *testing.T) {
	// One degree of longitude at 45N.
	got := DistanceKm(45.0, 15.0, 45.0, 16.0)
	if math.Abs(got-78.63) > 0.1 {
		t.Errorf("DistanceKm(45,15 -> 45,16) = %.3f, want ~78.6", got)
	}
}

func TestDistanceKm_OneDegreeLatitude(t *testing.T) {
	got := DistanceKm(0, 0, 1, 0)
	want := EarthRadiusKm * math.Pi / 180
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("DistanceKm(0,0 -> 1,0) = %v, want %v", got, want)
	}
}

func TestDistanceKm_Antipodal(t *testing.T) {
	got := DistanceKm(0, 0, 0, 180)
	want := math.Pi * EarthRadiusKm
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("antipodal distance = %v, want %v", got, want)
	}
}
