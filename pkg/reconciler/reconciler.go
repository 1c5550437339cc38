package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/nodestore/pkg/log"
	"github.com/cuemby/nodestore/pkg/metrics"
	"github.com/cuemby/nodestore/pkg/node"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/rs/zerolog"
)

// Config controls the maintenance loop
type Config struct {
	// Interval between cycles
	Interval time.Duration
	// OrphanTTL is how long unreferenced content urls are kept
	OrphanTTL time.Duration
}

// Result summarizes one cycle
type Result struct {
	PurgedURLs int
	Recovered  map[types.StoreRef]int
}

// Reconciler keeps persisted state tidy: it purges content urls nobody
// references and files broken nodes under lost+found
type Reconciler struct {
	repo   *node.Repository
	cfg    Config
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(repo *node.Repository, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reconciler{
		repo:   repo,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the loop and waits for a running cycle to finish
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle. Each store is swept in its own
// transaction so one broken store does not hold back the others.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{Recovered: make(map[types.StoreRef]int)}
	purged, err := node.DoInTransaction(ctx, r.repo, r.repo.Retry(), func(ctx context.Context, tx *node.Txn) (int, error) {
		return r.repo.PurgeOrphanContentURLs(ctx, tx, r.cfg.OrphanTTL)
	})
	if err != nil {
		return res, fmt.Errorf("failed to purge orphan content: %w", err)
	}
	res.PurgedURLs = purged

	stores, err := node.DoInTransaction(ctx, r.repo, r.repo.Retry(), r.repo.GetStores)
	if err != nil {
		return res, fmt.Errorf("failed to list stores: %w", err)
	}

	var firstErr error
	for _, store := range stores {
		if store.Protocol == types.ProtocolArchive {
			continue
		}
		n, err := node.DoInTransaction(ctx, r.repo, r.repo.Retry(), func(ctx context.Context, tx *node.Txn) (int, error) {
			return r.repo.RecoverOrphans(ctx, tx, store)
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("store", store.String()).Msg("Failed to recover orphans")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to recover orphans in %s: %w", store, err)
			}
			continue
		}
		if n > 0 {
			res.Recovered[store] = n
		}
	}

	if res.PurgedURLs > 0 || len(res.Recovered) > 0 {
		r.logger.Info().
			Int("purged_urls", res.PurgedURLs).
			Int("stores_repaired", len(res.Recovered)).
			Msg("Reconciliation cycle repaired state")
	}
	return res, firstErr
}
