package syncer

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Filter narrows Page, Count and Stats. Each non-empty field matches any of
// its values; fields combine with AND. The zero Filter matches everything.
type Filter struct {
	States     []string
	EventTypes []string
	Regions    []string
	Districts  []string
}

// Clean trims and de-duplicates values and drops blanks. States must be
// StateActive, StateCompleted or StateUnknown.
func (f Filter) Clean() (Filter, error) {
	out := Filter{
		States:     cleanValues(f.States),
		EventTypes: cleanValues(f.EventTypes),
		Regions:    cleanValues(f.Regions),
		Districts:  cleanValues(f.Districts),
	}
	for i, s := range out.States {
		s = strings.ToLower(s)
		switch s {
		case StateActive, StateCompleted, StateUnknown:
			out.States[i] = s
		default:
			return Filter{}, fmt.Errorf("%w: state %q", ErrInvalidFilter, s)
		}
	}
	out.States = cleanValues(out.States)
	return out, nil
}

// Empty reports whether f matches every record.
func (f Filter) Empty() bool {
	return len(f.States) == 0 && len(f.EventTypes) == 0 && len(f.Regions) == 0 && len(f.Districts) == 0
}

// Match applies f to one record in memory.
func (f Filter) Match(rec *Intervention) bool {
	state := rec.State
	if state == "" {
		state = ClassifyStatus(rec.Status)
	}
	return matchAny(f.States, state) &&
		matchAny(f.EventTypes, rec.EventType) &&
		matchAny(f.Regions, rec.Region) &&
		matchAny(f.Districts, rec.District)
}

func matchAny(values []string, v string) bool {
	return len(values) == 0 || slices.Contains(values, v)
}

func cleanValues(in []string) []string {
	var out []string
	for _, v := range in {
		v = NormalizeText(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Bucket is one group of a Stats breakdown.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// Stats summarizes the records matching a Filter.
type Stats struct {
	Total int64 `json:"total"`
	// ByState always lists active, completed and unknown, in that order.
	ByState     []Bucket `json:"by_state"`
	ByEventType []Bucket `json:"by_event_type"`
	ByDistrict  []Bucket `json:"by_district"`
}

func newStats(total int64, byState, byEventType, byDistrict map[string]int64) *Stats {
	return &Stats{
		Total:       total,
		ByState:     stateBuckets(byState),
		ByEventType: sortedBuckets(byEventType),
		ByDistrict:  sortedBuckets(byDistrict),
	}
}

func stateBuckets(counts map[string]int64) []Bucket {
	return []Bucket{
		{Key: StateActive, Count: counts[StateActive]},
		{Key: StateCompleted, Count: counts[StateCompleted]},
		{Key: StateUnknown, Count: counts[StateUnknown] + counts[""]},
	}
}

// sortedBuckets orders by count descending, then key ascending.
func sortedBuckets(counts map[string]int64) []Bucket {
	out := make([]Bucket, 0, len(counts))
	for k, n := range counts {
		out = append(out, Bucket{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}
