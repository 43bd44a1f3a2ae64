// Package memorystore defines the narrow consumer-side contract the
// orchestration core uses against the external memory store (C2):
// append-only records queryable by tag. It ships an in-memory
// implementation for tests and default operation, and a Postgres-backed
// implementation for durable deployments.
package memorystore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/idgen"
	"github.com/opsloop/agentcore/internal/common/logger"
)

// Record is one opaque append-only entry.
type Record struct {
	ID        string
	Content   string
	Tags      []string
	Metadata  map[string]interface{}
	CreatedAt int64 // unix nanos, for stable ordering
}

// AddRecordParams configures a new record.
type AddRecordParams struct {
	Content  string
	Tags     []string
	Metadata map[string]interface{}
}

// SearchParams configures a tag/query search.
type SearchParams struct {
	Query string
	Tags  []string
	Limit int
}

// Store is the memory store contract the core consumes. Records are
// opaque to the store; retrieval is by tag only.
type Store interface {
	AddRecord(ctx context.Context, params AddRecordParams) (string, error)
	Search(ctx context.Context, params SearchParams) ([]*Record, error)
}

// InMemory is a Store backed by a guarded slice, used by default and in
// tests. It never fails.
type InMemory struct {
	mu      sync.RWMutex
	records []*Record
	clock   clock.Clock
}

// NewInMemory creates an empty in-memory Store.
func NewInMemory(clk clock.Clock) *InMemory {
	return &InMemory{clock: clk}
}

// AddRecord appends a record and returns its id.
func (m *InMemory) AddRecord(ctx context.Context, params AddRecordParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &Record{
		ID:        idgen.New("rec"),
		Content:   params.Content,
		Tags:      append([]string(nil), params.Tags...),
		Metadata:  params.Metadata,
		CreatedAt: m.clock.Now().UnixNano(),
	}
	m.records = append(m.records, rec)
	return rec.ID, nil
}

// Search returns records matching every requested tag, most-recent-first,
// bounded by Limit (0 means unbounded).
func (m *InMemory) Search(ctx context.Context, params SearchParams) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*Record
	for _, rec := range m.records {
		if hasAllTags(rec.Tags, params.Tags) {
			matches = append(matches, rec)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt > matches[j].CreatedAt })

	if params.Limit > 0 && len(matches) > params.Limit {
		matches = matches[:params.Limit]
	}
	return matches, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// WriteAudit is a best-effort helper components use to record a state
// transition. Failures are logged, never propagated, per the
// infrastructure-error handling rule.
func WriteAudit(ctx context.Context, store Store, log *logger.Logger, content string, tags []string) {
	if store == nil {
		return
	}
	if _, err := store.AddRecord(ctx, AddRecordParams{Content: content, Tags: tags}); err != nil {
		log.Warn("audit write failed", zap.Strings("tags", tags), zap.Error(err))
	}
}
