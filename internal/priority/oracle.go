// Package priority suggests a priority level for new schedule entries.
//
// The suggestion comes from an external model call, so every oracle is
// wrapped in a Fallback that enforces one failure policy everywhere: a
// bounded timeout, and a default of PriorityNormal when the call fails.
// The write path never sees an oracle error.
package priority

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/dtavner/calsync/internal/schedule"
)

// Suggestion is a priority level plus a short explanation of why.
type Suggestion struct {
	Priority    schedule.Priority `json:"priority"`
	Explanation string            `json:"explanation"`
}

// Oracle produces a priority suggestion for an entry.
type Oracle interface {
	SuggestPriority(ctx context.Context, e schedule.Entry) (Suggestion, error)
}

// Static is an Oracle that always returns the same priority. Used when no
// model is configured, and in tests.
type Static struct {
	Priority schedule.Priority
}

// SuggestPriority implements Oracle.
func (s Static) SuggestPriority(ctx context.Context, e schedule.Entry) (Suggestion, error) {
	return Suggestion{Priority: s.Priority, Explanation: "configured default"}, nil
}

// Fallback wraps an oracle with the timeout-and-default policy.
type Fallback struct {
	inner   Oracle
	timeout time.Duration
	logger  *log.Logger
}

// NewFallback wraps inner. A zero timeout defaults to 5s; a nil logger
// defaults to stderr.
func NewFallback(inner Oracle, timeout time.Duration, logger *log.Logger) *Fallback {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[priority] ", log.LstdFlags)
	}
	return &Fallback{inner: inner, timeout: timeout, logger: logger}
}

// SuggestPriority asks the inner oracle and falls back to PriorityNormal
// on any error or timeout. The returned error is always nil.
func (f *Fallback) SuggestPriority(ctx context.Context, e schedule.Entry) (Suggestion, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	s, err := f.inner.SuggestPriority(callCtx, e)
	if err != nil {
		f.logger.Printf("Priority suggestion failed, defaulting to normal: %v", err)
		return Suggestion{
			Priority:    schedule.PriorityNormal,
			Explanation: "default priority (suggestion unavailable)",
		}, nil
	}
	if !s.Priority.Valid() {
		f.logger.Printf("Priority suggestion returned unknown level %q, defaulting to normal", s.Priority)
		s.Priority = schedule.PriorityNormal
	}
	return s, nil
}
