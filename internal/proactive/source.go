// Package proactive defines the narrow consumer-side contract for the
// external proactive observer (C8): something that produces snapshots
// the delegation service harvests into tasks.
package proactive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/pkg/types"
)

// SnapshotSource is the client-side contract against the external
// proactive observer. The core only ever reads the latest snapshot.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context) (*types.ProactiveSnapshot, []types.Recommendation, error)
}

// StaticSnapshotSource always returns a fixed snapshot and
// recommendation set. Used in tests and as a manual-trigger stand-in.
type StaticSnapshotSource struct {
	mu              sync.RWMutex
	snapshot        *types.ProactiveSnapshot
	recommendations []types.Recommendation
}

// NewStaticSnapshotSource creates a StaticSnapshotSource.
func NewStaticSnapshotSource(snapshot *types.ProactiveSnapshot, recs []types.Recommendation) *StaticSnapshotSource {
	return &StaticSnapshotSource{snapshot: snapshot, recommendations: recs}
}

// LatestSnapshot returns the configured snapshot and recommendations.
func (s *StaticSnapshotSource) LatestSnapshot(ctx context.Context) (*types.ProactiveSnapshot, []types.Recommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot, s.recommendations, nil
}

// Set replaces the snapshot and recommendations returned by subsequent calls.
func (s *StaticSnapshotSource) Set(snapshot *types.ProactiveSnapshot, recs []types.Recommendation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
	s.recommendations = recs
}

// HarvestFunc is called with each polled snapshot and recommendation set.
type HarvestFunc func(ctx context.Context, snapshot *types.ProactiveSnapshot, recs []types.Recommendation)

// PollingSnapshotSource wraps any SnapshotSource on a ticker, delivering
// each poll's result to a harvest callback.
type PollingSnapshotSource struct {
	source   SnapshotSource
	interval time.Duration
	harvest  HarvestFunc
	logger   *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollingSnapshotSource creates a poller that is not yet started.
func NewPollingSnapshotSource(source SnapshotSource, interval time.Duration, harvest HarvestFunc, log *logger.Logger) *PollingSnapshotSource {
	return &PollingSnapshotSource{source: source, interval: interval, harvest: harvest, logger: log}
}

// Start begins polling on a background goroutine. A no-op if interval
// is below one millisecond (disabled). This threshold is lower than the
// requeue scheduler's, which is disabled below one second.
func (p *PollingSnapshotSource) Start(ctx context.Context) {
	if p.interval < time.Millisecond {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.poll(ctx)
			}
		}
	}()
}

func (p *PollingSnapshotSource) poll(ctx context.Context) {
	snapshot, recs, err := p.source.LatestSnapshot(ctx)
	if err != nil {
		p.logger.Warn("proactive snapshot poll failed", zap.Error(err))
		return
	}
	if snapshot == nil {
		return
	}
	p.harvest(ctx, snapshot, recs)
}

// Stop cancels the polling goroutine and waits for it to exit. Safe to
// call even if Start was never called.
func (p *PollingSnapshotSource) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
