package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"courier/pkg/config"
	"courier/pkg/dispatch"
	"courier/pkg/metrics"
	"courier/pkg/storage"
	"courier/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FeedImporter applies a pulled feed
type FeedImporter interface {
	ImportFeed(ctx context.Context, owner *types.User, contact *types.Contact, feed []byte) (dispatch.FeedResult, error)
}

// PollStats summarises one polling pass
type PollStats struct {
	Polled    int
	Skipped   int
	Failed    int
	BackedOff int
}

type pollState struct {
	failures int
	next     time.Time
}

// Poller pulls feeds of contacts that no hub pushes to us. Failing contacts
// back off exponentially with jitter so a dead server is not hammered.
type Poller struct {
	cfg      *config.Config
	store    Store
	importer FeedImporter
	client   *http.Client
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// Backoff configuration
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	concurrency  int

	mu    sync.Mutex
	state map[int64]*pollState
	now   func() time.Time
}

func NewPoller(cfg *config.Config, store Store, importer FeedImporter, client *http.Client, m *metrics.Metrics, logger *zap.Logger) *Poller {
	if client == nil {
		client = defaultClient(cfg.RequestDeadline)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		cfg:          cfg,
		store:        store,
		importer:     importer,
		client:       client,
		metrics:      m,
		logger:       logger,
		baseDelay:    cfg.PollInterval,
		maxDelay:     24 * time.Hour,
		jitterFactor: 0.2,
		concurrency:  4,
		state:        make(map[int64]*pollState),
		now:          time.Now,
	}
}

// Run polls every PollInterval until ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Feed poller started", zap.Duration("interval", p.cfg.PollInterval))
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Feed polling pass failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			p.logger.Info("Feed poller stopped")
			return
		}
	}
}

// PollOnce runs one pass over every pollable contact that is due
func (p *Poller) PollOnce(ctx context.Context) (PollStats, error) {
	contacts, err := p.store.ListPollableContacts(ctx)
	if err != nil {
		return PollStats{}, err
	}

	var (
		mu    sync.Mutex
		stats PollStats
	)
	count := func(f func(*PollStats)) {
		mu.Lock()
		f(&stats)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range contacts {
		c := contacts[i]

		if p.hubCovers(ctx, &c) {
			count(func(s *PollStats) { s.Skipped++ })
			continue
		}
		if !p.due(c.ID) {
			count(func(s *PollStats) { s.BackedOff++ })
			continue
		}

		g.Go(func() error {
			if err := p.pollSafely(gctx, &c); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				delay := p.recordFailure(c.ID)
				p.metrics.ObserveFeedPoll("failed")
				p.logger.Info("Feed poll failed",
					zap.Int64("contact", c.ID),
					zap.String("url", c.PollURL),
					zap.Duration("retry_in", delay),
					zap.Error(err))
				count(func(s *PollStats) { s.Failed++ })
				return nil
			}
			p.recordSuccess(c.ID)
			p.metrics.ObserveFeedPoll("ok")
			count(func(s *PollStats) { s.Polled++ })
			return nil
		})
	}

	err = g.Wait()
	return stats, err
}

// hubCovers reports whether a hub currently pushes this contact's feed
func (p *Poller) hubCovers(ctx context.Context, c *types.Contact) bool {
	if !c.SubscribedToHub {
		return false
	}
	lease, err := p.store.GetContactLease(ctx, c.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return true
	}
	if err != nil {
		p.logger.Warn("Failed to read contact lease", zap.Int64("contact", c.ID), zap.Error(err))
		return false
	}
	return lease.Active(p.now())
}

// pollSafely turns a panic while handling one remote feed into a poll
// failure for that contact.
func (p *Poller) pollSafely(ctx context.Context, c *types.Contact) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while polling contact %d: %v", c.ID, r)
		}
	}()
	return p.poll(ctx, c)
}

func (p *Poller) poll(ctx context.Context, c *types.Contact) error {
	owner, err := p.store.GetUser(ctx, c.OwnerUserID)
	if err != nil {
		return fmt.Errorf("load owner %d: %w", c.OwnerUserID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PollURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml, application/rss+xml;q=0.9, application/xml;q=0.8")
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !success(resp.StatusCode) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	feed, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read feed: %w", err)
	}

	res, err := p.importer.ImportFeed(ctx, owner, c, feed)
	if err != nil {
		return err
	}
	p.logger.Debug("Polled feed",
		zap.Int64("contact", c.ID),
		zap.Int("applied", res.Applied),
		zap.Int("duplicates", res.Duplicates))
	return nil
}

func (p *Poller) due(contactID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[contactID]
	return !ok || !p.now().Before(st.next)
}

func (p *Poller) recordSuccess(contactID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, contactID)
}

func (p *Poller) recordFailure(contactID int64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[contactID]
	if !ok {
		st = &pollState{}
		p.state[contactID] = st
	}
	delay := p.calculateBackoff(st.failures)
	st.failures++
	st.next = p.now().Add(delay)
	return delay
}

// calculateBackoff returns baseDelay * 2^attempt, capped and jittered
func (p *Poller) calculateBackoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}

	jitter := delay * p.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay <= 0 {
		delay = float64(p.baseDelay)
	}
	return time.Duration(delay)
}
