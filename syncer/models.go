package syncer

import "time"

// NotSpecified replaces blank descriptive cells coming from the source table.
const NotSpecified = "N/A"

// Intervention is one emergency response event as published by the source.
// ReportedAt is the natural key; only Status is reconciled after the first insert.
type Intervention struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ReportedAt       time.Time `gorm:"uniqueIndex;not null" json:"reported_at"`
	Status           string    `gorm:"index;size:128" json:"status"`
	// State is ClassifyStatus(Status), kept in sync by the store for filtering and statistics.
	State            string    `gorm:"index;size:16" json:"state"`
	EventType        string    `gorm:"index;size:255" json:"event_type"`
	EventSubtype     string    `gorm:"size:255" json:"event_subtype"`
	Region           string    `gorm:"index;size:128" json:"region"`
	District         string    `gorm:"index;size:128" json:"district"`
	MunicipalityArea string    `gorm:"size:255" json:"municipality_area"`
	Municipality     string    `gorm:"size:255" json:"municipality"`
	LocalityPart     string    `gorm:"size:255" json:"locality_part"`
	Street           string    `gorm:"size:255" json:"street"`
	Road             string    `gorm:"size:255" json:"road"`
	MediaNote        string    `gorm:"type:text" json:"media_note"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SyncCursor is the single-row watermark table. Only the row with ID cursorRowID is used.
type SyncCursor struct {
	ID         uint      `gorm:"primaryKey;autoIncrement:false"`
	ReportedAt time.Time `gorm:"not null"`
	UpdatedAt  time.Time
}

const cursorRowID = 1

// StatusChange records one reconciled status transition.
type StatusChange struct {
	ID         uint      `json:"id"`
	ReportedAt time.Time `json:"reported_at"`
	From       string    `json:"from"`
	To         string    `json:"to"`
}

// Notification event kinds.
const (
	EventNew          = "new"
	EventStatusChange = "status_change"
)

// Notification is an outbox entry written in the same unit of work as the
// change it announces. It stays pending until the notifier accepts it.
type Notification struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	CycleID        string     `gorm:"size:64" json:"cycle_id"`
	Event          string     `gorm:"index;size:32" json:"event"`
	InterventionID uint       `gorm:"index" json:"intervention_id"`
	ReportedAt     time.Time  `json:"reported_at"`
	Status         string     `gorm:"size:128" json:"status"`
	PreviousStatus string     `gorm:"size:128" json:"previous_status"`
	EventType      string     `gorm:"size:255" json:"event_type"`
	EventSubtype   string     `gorm:"size:255" json:"event_subtype"`
	Municipality   string     `gorm:"size:255" json:"municipality"`
	District       string     `gorm:"size:128" json:"district"`
	Sent           bool       `gorm:"index" json:"sent"`
	Attempts       int        `json:"attempts"`
	SendError      string     `gorm:"type:text" json:"send_error"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
}

func newInterventionNotification(cycleID string, rec Intervention) Notification {
	return Notification{
		CycleID:        cycleID,
		Event:          EventNew,
		InterventionID: rec.ID,
		ReportedAt:     rec.ReportedAt,
		Status:         rec.Status,
		EventType:      rec.EventType,
		EventSubtype:   rec.EventSubtype,
		Municipality:   rec.Municipality,
		District:       rec.District,
	}
}

func statusChangeNotification(cycleID string, ch StatusChange, rec Intervention) Notification {
	return Notification{
		CycleID:        cycleID,
		Event:          EventStatusChange,
		InterventionID: ch.ID,
		ReportedAt:     ch.ReportedAt,
		Status:         ch.To,
		PreviousStatus: ch.From,
		EventType:      rec.EventType,
		EventSubtype:   rec.EventSubtype,
		Municipality:   rec.Municipality,
		District:       rec.District,
	}
}
