package api

import (
	"time"

	"github.com/S0nnyyy/SirenaVysociny/syncer"
)

// InterventionView is the JSON shape of one intervention. Dates use DD.MM.YYYY HH:MM in the source zone.
type InterventionView struct {
	ID               uint   `json:"id"`
	ReportedAt       string `json:"reported_at"`
	Status           string `json:"status"`
	State            string `json:"state"`
	EventType        string `json:"event_type"`
	EventSubtype     string `json:"event_subtype"`
	Region           string `json:"region"`
	District         string `json:"district"`
	MunicipalityArea string `json:"municipality_area"`
	Municipality     string `json:"municipality"`
	LocalityPart     string `json:"locality_part"`
	Street           string `json:"street"`
	Road             string `json:"road"`
	MediaNote        string `json:"media_note"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func viewOf(rec syncer.Intervention) InterventionView {
	return InterventionView{
		ID:               rec.ID,
		ReportedAt:       syncer.FormatTimestamp(rec.ReportedAt),
		Status:           rec.Status,
		State:            syncer.ClassifyStatus(rec.Status),
		EventType:        rec.EventType,
		EventSubtype:     rec.EventSubtype,
		Region:           rec.Region,
		District:         rec.District,
		MunicipalityArea: rec.MunicipalityArea,
		Municipality:     rec.Municipality,
		LocalityPart:     rec.LocalityPart,
		Street:           rec.Street,
		Road:             rec.Road,
		MediaNote:        rec.MediaNote,
		CreatedAt:        syncer.FormatTimestamp(rec.CreatedAt),
		UpdatedAt:        syncer.FormatTimestamp(rec.UpdatedAt),
	}
}

func viewsOf(recs []syncer.Intervention) []InterventionView {
	out := make([]InterventionView, 0, len(recs))
	for _, r := range recs {
		out = append(out, viewOf(r))
	}
	return out
}

type listResponse struct {
	Interventions []InterventionView `json:"interventions"`
	Limit         int                `json:"limit"`
	Offset        int                `json:"offset"`
	Total         int64              `json:"total"`
}

type newerResponse struct {
	Found        bool              `json:"found"`
	Intervention *InterventionView `json:"intervention,omitempty"`
}

type StatusChangeView struct {
	ID         uint   `json:"id"`
	ReportedAt string `json:"reported_at"`
	From       string `json:"from"`
	To         string `json:"to"`
	State      string `json:"state"`
}

// ReportView is the JSON shape of a committed cycle report.
type ReportView struct {
	CycleID       string             `json:"cycle_id"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
	CursorBefore  string             `json:"cursor_before,omitempty"`
	CursorAfter   string             `json:"cursor_after,omitempty"`
	NewCount      int                `json:"new_count"`
	ChangedCount  int                `json:"changed_count"`
	RejectedRows  int                `json:"rejected_rows"`
	SnapshotSize  int                `json:"snapshot_size"`
	Digest        string             `json:"snapshot_digest"`
	Inserted      []InterventionView `json:"inserted"`
	StatusChanges []StatusChangeView `json:"status_changes"`
}

func reportView(rep *syncer.Report) ReportView {
	v := ReportView{
		CycleID:       rep.CycleID,
		StartedAt:     rep.StartedAt,
		FinishedAt:    rep.FinishedAt,
		NewCount:      rep.NewCount,
		ChangedCount:  rep.ChangedCount,
		RejectedRows:  rep.RejectedRows,
		SnapshotSize:  rep.SnapshotSize,
		Digest:        rep.SnapshotDigest,
		Inserted:      viewsOf(rep.Inserted),
		StatusChanges: make([]StatusChangeView, 0, len(rep.StatusChanges)),
	}
	if rep.CursorBefore != nil {
		v.CursorBefore = syncer.FormatTimestamp(*rep.CursorBefore)
	}
	if rep.CursorAfter != nil {
		v.CursorAfter = syncer.FormatTimestamp(*rep.CursorAfter)
	}
	for _, ch := range rep.StatusChanges {
		v.StatusChanges = append(v.StatusChanges, StatusChangeView{
			ID:         ch.ID,
			ReportedAt: syncer.FormatTimestamp(ch.ReportedAt),
			From:       ch.From,
			To:         ch.To,
			State:      syncer.ClassifyStatus(ch.To),
		})
	}
	return v
}

type statusResponse struct {
	Status     string `json:"status"`
	Scheduler  string `json:"scheduler,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
	Total      *int64 `json:"total,omitempty"`
	LastRun    string `json:"last_run,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Error      string `json:"error,omitempty"`
	WSClients  *int   `json:"ws_clients,omitempty"`
	LastDigest string `json:"last_digest,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
