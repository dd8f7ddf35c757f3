package syncer

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/cespare/xxhash/v2"
)

const (
	// MinColumns is the minimum number of cells a source row must carry.
	MinColumns = 12
	// TimestampLayout is the source's DD.MM.YYYY HH:MM wall-clock format.
	TimestampLayout = "02.01.2006 15:04"
)

const (
	colReportedAt = iota
	colStatus
	colEventType
	colEventSubtype
	colRegion
	colDistrict
	colMunicipalityArea
	colMunicipality
	colLocalityPart
	colStreet
	colRoad
	colMediaNote
)

// SourceLocation is the zone the source publishes timestamps in.
var SourceLocation = loadSourceLocation()

func loadSourceLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		return time.Local
	}
	return loc
}

// NormalizeText collapses runs of whitespace into single spaces and trims the result.
func NormalizeText(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

func cell(row []string, i int) string {
	s := NormalizeText(row[i])
	if s == "" {
		return NotSpecified
	}
	return s
}

// ParseTimestamp parses a source timestamp and returns it in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampLayout, NormalizeText(s), SourceLocation)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatTimestamp renders t in the source zone using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(SourceLocation).Format(TimestampLayout)
}

// Normalize converts one raw source row into an Intervention. System fields stay zero.
func Normalize(row []string) (Intervention, error) {
	if len(row) < MinColumns {
		return Intervention{}, &NormalizationError{Row: -1, Cells: len(row), Reason: ErrInsufficientColumns}
	}
	raw := NormalizeText(row[colReportedAt])
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return Intervention{}, &NormalizationError{Row: -1, Cells: len(row), Value: raw, Reason: ErrInvalidTimestamp}
	}
	return Intervention{
		ReportedAt:       ts,
		Status:           cell(row, colStatus),
		EventType:        cell(row, colEventType),
		EventSubtype:     cell(row, colEventSubtype),
		Region:           cell(row, colRegion),
		District:         cell(row, colDistrict),
		MunicipalityArea: cell(row, colMunicipalityArea),
		Municipality:     cell(row, colMunicipality),
		LocalityPart:     cell(row, colLocalityPart),
		Street:           cell(row, colStreet),
		Road:             cell(row, colRoad),
		MediaNote:        cell(row, colMediaNote),
	}, nil
}

// NormalizeSnapshot normalizes every row, keeping source order. Rejected rows
// are reported with their index and do not stop the remaining rows.
func NormalizeSnapshot(rows [][]string) ([]Intervention, []error) {
	out := make([]Intervention, 0, len(rows))
	var errs []error
	for i, row := range rows {
		rec, err := Normalize(row)
		if err != nil {
			if ne, ok := err.(*NormalizationError); ok {
				ne.Row = i
			}
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errs
}

// SnapshotDigest fingerprints the normalized snapshot so identical consecutive
// fetches can be spotted in logs.
func SnapshotDigest(recs []Intervention) string {
	d := xxhash.New()
	var buf [8]byte
	for _, r := range recs {
		binary.BigEndian.PutUint64(buf[:], uint64(r.ReportedAt.Unix()))
		_, _ = d.Write(buf[:])
		for _, s := range []string{
			r.Status, r.EventType, r.EventSubtype, r.Region, r.District,
			r.MunicipalityArea, r.Municipality, r.LocalityPart, r.Street, r.Road, r.MediaNote,
		} {
			_, _ = d.WriteString(s)
			_, _ = d.Write([]byte{0})
		}
	}
	return fmt.Sprintf("%016x", d.Sum64())
}
