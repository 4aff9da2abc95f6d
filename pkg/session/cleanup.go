package session

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long an idle conversation is kept on disk.
const DefaultTTL = 48 * time.Hour

// Cleanup deletes conversations whose transcript has been idle longer
// than the TTL. It runs on a cron schedule.
type Cleanup struct {
	store *Store
	ttl   time.Duration
	cron  *cron.Cron
	entry cron.EntryID
}

// NewCleanup creates a cleanup job for the store.
func NewCleanup(store *Store, ttl time.Duration) *Cleanup {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cleanup{
		store: store,
		ttl:   ttl,
		cron:  cron.New(),
	}
}

// Start schedules the job. An empty schedule runs hourly.
func (c *Cleanup) Start(schedule string) error {
	if schedule == "" {
		schedule = "@hourly"
	}

	entry, err := c.cron.AddFunc(schedule, func() {
		if deleted, err := c.CleanupNow(context.Background()); err != nil {
			log.Error().Err(err).Msg("Conversation cleanup failed")
		} else if deleted > 0 {
			log.Info().Int("deleted", deleted).Msg("Expired conversations cleaned up")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	c.entry = entry
	c.cron.Start()

	log.Info().Dur("ttl", c.ttl).Str("schedule", schedule).Msg("Conversation cleanup started")
	return nil
}

// Stop halts the schedule, waiting for a running job to finish.
func (c *Cleanup) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// CleanupNow deletes every conversation idle longer than the TTL and
// returns how many were removed.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	keys, err := c.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list conversations: %w", err)
	}

	now := time.Now()
	deleted := 0

	for _, key := range keys {
		info, err := os.Stat(c.store.transcriptPath(key))
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < c.ttl {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			log.Warn().Str("conversation_key", key).Err(err).Msg("Failed to delete expired conversation")
			continue
		}
		deleted++
	}

	return deleted, nil
}
