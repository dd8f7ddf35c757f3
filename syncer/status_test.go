package syncer

import "testing"

func TestClassifyStatus(t *testing.T) {
	cases := map[string]string{
		"Otevřená OS":   StateActive,
		"otevřená":      StateActive,
		"Probíhá":       StateActive,
		"Nová":          StateActive,
		"Uzavřená":      StateCompleted,
		" UZAVŘENÁ  OS": StateCompleted,
		"Ukončená":      StateCompleted,
		"Zrušená":       StateCompleted,
		"":              StateUnknown,
		NotSpecified:    StateUnknown,
		"Lokalizovaná":  StateUnknown,
	}
	for in, want := range cases {
		if got := ClassifyStatus(in); got != want {
			t.Fatalf("ClassifyStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
