package models

import "time"

// Sonde is one row of the flying-sondes feed at fetch time. Only the coordinates
// are parsed; every other field keeps the feed's own formatting.
type Sonde struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	DateTime  string  `json:"dateTime"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Course    string  `json:"course"`
	Speed     string  `json:"speed"`
	Altitude  string  `json:"altitude"`
	Climb     string  `json:"climb"`
	Launch    string  `json:"launch"`
	Frequency string  `json:"frequency"`
}

// DistanceResult is a sonde id with its distance from home. Never persisted.
type DistanceResult struct {
	ID string  `json:"id"`
	Km float64 `json:"km"`
}

// NotificationEvent is emitted once a notification has been delivered.
type NotificationEvent struct {
	ID         string    `json:"id"`
	Sonde      Sonde     `json:"sonde"`
	DistanceKm float64   `json:"distanceKm"`
	SentAt     time.Time `json:"sentAt"`
}

// SondeView is a sonde as shown to the live viewer.
type SondeView struct {
	Sonde
	DistanceKm float64 `json:"distanceKm"`
	Alerting   bool    `json:"alerting"` // inside the alert radius
	Notified   bool    `json:"notified"` // present in the ledger
}

// Snapshot is the display-filtered result of one cycle, sorted by distance.
type Snapshot struct {
	CycleID         string      `json:"cycleId"`
	TakenAt         time.Time   `json:"takenAt"`
	HomeLat         float64     `json:"homeLat"`
	HomeLon         float64     `json:"homeLon"`
	AlertRadiusKm   float64     `json:"alertRadiusKm"`
	DisplayRadiusKm float64     `json:"displayRadiusKm"` // 0 when no display radius is configured
	Sondes          []SondeView `json:"sondes"`
}
