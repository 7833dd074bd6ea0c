package sessionmgmt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sessiond/internal/models"
	"github.com/wolfeidau/sessiond/internal/store"
	"github.com/wolfeidau/sessiond/internal/telemetry"
)

// CleanerConfig configures an ExpiredSessionCleaner.
type CleanerConfig struct {
	Interval  time.Duration
	BatchSize int

	// Notify sends backchannel logout for each expired session.
	Notify bool
}

// ExpiredSessionCleaner periodically removes expired session records. Reads
// already ignore expired records, so the cleaner only reclaims storage and,
// when enabled, tells clients the sessions ended.
type ExpiredSessionCleaner struct {
	sessions store.SessionStore
	service  *Service
	cfg      CleanerConfig
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExpiredSessionCleaner creates a cleaner. Call Start to begin the
// background loop and Stop to end it.
func NewExpiredSessionCleaner(sessions store.SessionStore, service *Service, cfg CleanerConfig) *ExpiredSessionCleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &ExpiredSessionCleaner{
		sessions: sessions,
		service:  service,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Start launches the cleanup loop.
func (c *ExpiredSessionCleaner) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.loop()
}

// Stop ends the cleanup loop and waits for it to exit.
func (c *ExpiredSessionCleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
}

func (c *ExpiredSessionCleaner) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			log.Info().Msg("expired session cleaner stopped")
			return

		case <-ticker.C:
			if _, err := c.RunOnce(c.ctx); err != nil {
				log.Error().Err(err).Msg("failed to remove expired sessions")
			}
		}
	}
}

// RunOnce removes expired sessions until a batch comes back short and returns
// how many were removed.
func (c *ExpiredSessionCleaner) RunOnce(ctx context.Context) (int, error) {
	total := 0

	for {
		expired, err := c.sessions.DeleteExpired(ctx, c.now(), c.cfg.BatchSize)
		if err != nil {
			return total, err
		}

		total += len(expired)
		telemetry.GetMetrics().ExpiredSessionsTotal.Add(ctx, int64(len(expired)))

		if c.cfg.Notify && c.service != nil {
			c.notify(ctx, expired)
		}

		if len(expired) < c.cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		log.Info().Int("count", total).Msg("removed expired sessions")
	}

	return total, nil
}

func (c *ExpiredSessionCleaner) notify(ctx context.Context, expired []models.SessionRecord) {
	for _, record := range expired {
		_, err := c.service.RemoveSessions(ctx, models.RemoveSessionsContext{
			SubjectID:                         record.SubjectID,
			SessionID:                         record.SessionID,
			SendBackchannelLogoutNotification: true,
		})
		if err != nil {
			log.Error().
				Err(err).
				Str("subject_id", record.SubjectID).
				Str("session_id", record.SessionID).
				Msg("failed to notify clients of expired session")
		}
	}
}
