package calsync

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/dtavner/calsync/internal/notify"
	"github.com/dtavner/calsync/internal/schedule"
)

// ReminderConfig holds reminder loop configuration.
type ReminderConfig struct {
	// Lead is how far ahead of an entry's start the reminder fires
	// (default 15m).
	Lead time.Duration

	// Interval is the scan cadence (default 1m).
	Interval time.Duration

	// Logger for reminder activity.
	Logger *log.Logger
}

// Reminders periodically scans for entries starting soon and broadcasts
// a reminder notification for each, once.
type Reminders struct {
	store    *schedule.Store
	notifier *notify.Broadcaster
	config   ReminderConfig

	sent map[string]bool
}

// NewReminders creates the reminder loop over the entry store.
func NewReminders(store *schedule.Store, notifier *notify.Broadcaster, config ReminderConfig) *Reminders {
	if config.Lead <= 0 {
		config.Lead = 15 * time.Minute
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reminder] ", log.LstdFlags)
	}
	return &Reminders{
		store:    store,
		notifier: notifier,
		config:   config,
		sent:     make(map[string]bool),
	}
}

// Run scans until ctx is cancelled.
func (r *Reminders) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *Reminders) scan(ctx context.Context) {
	now := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	entries, err := r.store.EntriesStartingBetween(queryCtx, now, now.Add(r.config.Lead))
	cancel()
	if err != nil {
		r.config.Logger.Printf("Reminder scan failed: %v", err)
		return
	}

	for _, e := range entries {
		if e.Done || r.sent[e.ID] {
			continue
		}
		r.sent[e.ID] = true
		r.config.Logger.Printf("Reminding about %s (%s)", e.ID, e.Title)
		r.notifier.NotifyReminder(ctx, e.Title, e.StartTime)
	}
}
