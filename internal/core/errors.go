package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below wrap one of them, so callers can use
// errors.Is for the class and errors.As for the details.
var (
	ErrAttach           = errors.New("capmux: source attach failed")
	ErrOrdering         = errors.New("capmux: ordering violation")
	ErrSinkWrite        = errors.New("capmux: sink write failed")
	ErrFilterEvaluation = errors.New("capmux: filter evaluation failed")
	ErrQueueOverflow    = errors.New("capmux: queue overflow")

	ErrClosed          = errors.New("capmux: closed")
	ErrSinkExists      = errors.New("capmux: sink already attached")
	ErrSinkNotFound    = errors.New("capmux: sink not found")
	ErrSourceExists    = errors.New("capmux: source already attached")
	ErrSourceNotFound  = errors.New("capmux: source not found")
	ErrConfigInvalid   = errors.New("capmux: invalid configuration")
	ErrPipelineStopped = errors.New("capmux: pipeline stopped")
)

// AttachError reports a source that could not be opened: missing interface,
// unknown driver or insufficient permissions.
type AttachError struct {
	Source string
	Driver string
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("capmux: attach %s (driver %s): %v", e.Source, e.Driver, e.Err)
}

func (e *AttachError) Unwrap() []error { return []error{ErrAttach, e.Err} }

// OrderingPolicy decides what the merge does with a record older than the
// last emitted one.
type OrderingPolicy string

const (
	OrderingDrop OrderingPolicy = "drop"
	OrderingPass OrderingPolicy = "pass"
)

func ParseOrderingPolicy(s string) (OrderingPolicy, error) {
	switch p := OrderingPolicy(s); p {
	case OrderingDrop, OrderingPass:
		return p, nil
	case "":
		return "", fmt.Errorf("%w: ordering policy is required (drop|pass)", ErrConfigInvalid)
	default:
		return "", fmt.Errorf("%w: unknown ordering policy %q", ErrConfigInvalid, s)
	}
}

// OrderingViolation is reported for a record whose timestamp is behind the
// merge watermark.
type OrderingViolation struct {
	Source    string
	Timestamp time.Time
	Watermark time.Time
	Policy    OrderingPolicy
}

func (e *OrderingViolation) Error() string {
	return fmt.Sprintf("capmux: ordering violation on %s: %s behind watermark %s (policy %s)",
		e.Source, e.Timestamp.Format(time.RFC3339Nano), e.Watermark.Format(time.RFC3339Nano), e.Policy)
}

func (e *OrderingViolation) Unwrap() error { return ErrOrdering }

// SinkWriteError wraps an I/O failure of a single sink.
type SinkWriteError struct {
	Sink string
	Err  error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("capmux: sink %s: write: %v", e.Sink, e.Err)
}

func (e *SinkWriteError) Unwrap() []error { return []error{ErrSinkWrite, e.Err} }

// FilterEvaluationError is reported when a rule fails or panics. The frame
// is treated as non-matching.
type FilterEvaluationError struct {
	Rule string
	Err  error
}

func (e *FilterEvaluationError) Error() string {
	return fmt.Sprintf("capmux: filter rule %s: %v", e.Rule, e.Err)
}

func (e *FilterEvaluationError) Unwrap() []error { return []error{ErrFilterEvaluation, e.Err} }

// QueueOverflow reports records lost to backpressure in one occurrence.
type QueueOverflow struct {
	Queue   string
	Policy  string
	Dropped uint64
}

func (e *QueueOverflow) Error() string {
	return fmt.Sprintf("capmux: queue %s overflow (policy %s): %d dropped", e.Queue, e.Policy, e.Dropped)
}

func (e *QueueOverflow) Unwrap() error { return ErrQueueOverflow }
