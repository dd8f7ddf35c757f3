package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientColumns is returned for rows shorter than MinColumns.
	ErrInsufficientColumns = errors.New("insufficient columns")
	// ErrInvalidTimestamp is returned when the reported_at cell does not parse.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	// ErrDuplicateKey is returned by Tx.Insert when reported_at is already stored.
	ErrDuplicateKey = errors.New("duplicate reported_at")
	// ErrNotFound is returned by Tx.UpdateStatus for an unknown id.
	ErrNotFound = errors.New("intervention not found")
	// ErrInvalidFilter is returned by Filter.Clean for an unknown state value.
	ErrInvalidFilter = errors.New("invalid filter")
)

// NormalizationError describes a rejected source row. The cycle skips the row and continues.
type NormalizationError struct {
	Row    int
	Cells  int
	Value  string
	Reason error
}

func (e *NormalizationError) Error() string {
	switch {
	case errors.Is(e.Reason, ErrInsufficientColumns):
		return fmt.Sprintf("row %d: %v: got %d, need %d", e.Row, e.Reason, e.Cells, MinColumns)
	case e.Value != "":
		return fmt.Sprintf("row %d: %v: %q", e.Row, e.Reason, e.Value)
	default:
		return fmt.Sprintf("row %d: %v", e.Row, e.Reason)
	}
}

func (e *NormalizationError) Unwrap() error { return e.Reason }

// ReasonLabel is a short metrics label for the rejection reason.
func (e *NormalizationError) ReasonLabel() string {
	switch {
	case errors.Is(e.Reason, ErrInsufficientColumns):
		return "insufficient_columns"
	case errors.Is(e.Reason, ErrInvalidTimestamp):
		return "invalid_timestamp"
	default:
		return "other"
	}
}

// StoreError wraps a backend failure. A StoreError inside WithTx rolls back the whole unit.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
