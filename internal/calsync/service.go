// Package calsync wires the write path together: persist a mutation,
// recompute conflicts against the entry's same-day siblings, cache the
// report, notify open devices, and hand the change to the sync
// coordinator for fan-out.
//
// The surrounding transport (REST layer or CLI) calls this package; it
// owns no routes itself.
package calsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dtavner/calsync/internal/conflict"
	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/priority"
	"github.com/dtavner/calsync/internal/protocol"
	"github.com/dtavner/calsync/internal/schedule"
	syncer "github.com/dtavner/calsync/internal/sync"
)

// Service is the schedule write path.
//
// Notifier and Coordinator are optional: a CLI invocation without a
// running server passes nil for both and still gets persistence and
// conflict detection.
type Service struct {
	store       *schedule.Store
	oracle      priority.Oracle
	notifier    *notify.Broadcaster
	coordinator *syncer.Coordinator
	logger      *log.Logger
}

// NewService creates the write path over its collaborators. Store is
// required; oracle defaults to a static normal-priority oracle; logger
// defaults to stderr.
func NewService(store *schedule.Store, oracle priority.Oracle, notifier *notify.Broadcaster, coordinator *syncer.Coordinator, logger *log.Logger) *Service {
	if oracle == nil {
		oracle = priority.Static{Priority: schedule.PriorityNormal}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[calsync] ", log.LstdFlags)
	}
	return &Service{
		store:       store,
		oracle:      oracle,
		notifier:    notifier,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Create validates and persists a new entry, assigns a priority when the
// caller left it empty, and returns the entry together with its conflict
// report.
func (s *Service) Create(ctx context.Context, e schedule.Entry) (schedule.Entry, conflict.Report, error) {
	if err := e.Validate(); err != nil {
		return schedule.Entry{}, conflict.Report{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Priority == "" {
		suggestion, _ := s.oracle.SuggestPriority(ctx, e)
		e.Priority = suggestion.Priority
	}

	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	report, err := s.detectAndCache(ctx, &e)
	if err != nil {
		return schedule.Entry{}, conflict.Report{}, err
	}

	if err := s.store.Create(ctx, &e); err != nil {
		return schedule.Entry{}, conflict.Report{}, fmt.Errorf("create failed: %w", err)
	}

	s.logger.Printf("Created entry %s (%s) for user %s", e.ID, e.Title, e.UserID)
	s.afterWrite(ctx, protocol.ChangeCreate, e)
	if s.notifier != nil {
		s.notifier.NotifyCreated(ctx, e.Title)
	}
	return e, report, nil
}

// Update overwrites an entry (last writer wins) and recomputes its
// conflict report.
func (s *Service) Update(ctx context.Context, e schedule.Entry) (schedule.Entry, conflict.Report, error) {
	if err := e.Validate(); err != nil {
		return schedule.Entry{}, conflict.Report{}, err
	}
	if e.ID == "" {
		return schedule.Entry{}, conflict.Report{}, fmt.Errorf("update requires an entry id")
	}

	e.UpdatedAt = time.Now()

	report, err := s.detectAndCache(ctx, &e)
	if err != nil {
		return schedule.Entry{}, conflict.Report{}, err
	}

	if err := s.store.Update(ctx, &e); err != nil {
		return schedule.Entry{}, conflict.Report{}, fmt.Errorf("update failed: %w", err)
	}

	s.logger.Printf("Updated entry %s (%s)", e.ID, e.Title)
	s.afterWrite(ctx, protocol.ChangeUpdate, e)
	if s.notifier != nil {
		s.notifier.NotifyUpdated(ctx, e.Title)
	}
	return e, report, nil
}

// Delete removes an entry.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("entry %s not found", id)
	}
	if err := s.store.Delete(ctx, id, userID); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	s.logger.Printf("Deleted entry %s (%s)", e.ID, e.Title)
	s.afterWrite(ctx, protocol.ChangeDelete, *e)
	if s.notifier != nil {
		s.notifier.NotifyDeleted(ctx, e.Title)
	}
	return nil
}

// CheckConflicts recomputes the conflict report for an entry against the
// current same-day siblings, without persisting anything.
func (s *Service) CheckConflicts(ctx context.Context, e schedule.Entry) (conflict.Report, error) {
	if err := e.Validate(); err != nil {
		return conflict.Report{}, err
	}
	siblings, err := s.store.SameDayEntries(ctx, e.UserID, e.StartTime)
	if err != nil {
		return conflict.Report{}, fmt.Errorf("failed to load same-day entries: %w", err)
	}
	return conflict.Detect(e, siblings), nil
}

// detectAndCache runs conflict detection for e and stores the serialized
// report on the entry itself.
func (s *Service) detectAndCache(ctx context.Context, e *schedule.Entry) (conflict.Report, error) {
	report, err := s.CheckConflicts(ctx, *e)
	if err != nil {
		return conflict.Report{}, err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return conflict.Report{}, fmt.Errorf("failed to serialize conflict report: %w", err)
	}
	e.ConflictJSON = raw
	return report, nil
}

// afterWrite records the mutation with the coordinator so connected
// devices learn about it. Best effort only.
func (s *Service) afterWrite(ctx context.Context, typ protocol.ChangeType, e schedule.Entry) {
	if s.coordinator == nil {
		return
	}
	s.coordinator.BroadcastChanges(ctx, "", []protocol.Change{{
		Type:      typ,
		Schedule:  e,
		Timestamp: time.Now(),
	}})
}
