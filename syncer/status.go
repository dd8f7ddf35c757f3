package syncer

import "strings"

// Coarse intervention states derived from the free-text status label.
const (
	StateActive    = "active"
	StateCompleted = "completed"
	StateUnknown   = "unknown"
)

var (
	completedPrefixes = []string{"uzavř", "ukonč", "zrušen", "vyřízen"}
	activePrefixes    = []string{"otevř", "probíh", "nová", "nový", "přijat", "v řešení"}
)

// ClassifyStatus maps a status label such as "Otevřená OS" or "Uzavřená" to a state:
// - uzavřená/ukončená/zrušená -> completed
// - otevřená/probíhá/nová/přijatá -> active
// - else -> unknown
func ClassifyStatus(v string) string {
	s := strings.ToLower(NormalizeText(v))
	if s == "" || s == strings.ToLower(NotSpecified) {
		return StateUnknown
	}
	for _, p := range completedPrefixes {
		if strings.HasPrefix(s, p) {
			return StateCompleted
		}
	}
	for _, p := range activePrefixes {
		if strings.HasPrefix(s, p) {
			return StateActive
		}
	}
	return StateUnknown
}
