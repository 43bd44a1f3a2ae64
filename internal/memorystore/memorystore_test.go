package memorystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/agentcore/internal/common/clock"
)

func TestAddAndSearchByTag(t *testing.T) {
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewInMemory(clk)
	ctx := context.Background()

	_, err := store.AddRecord(ctx, AddRecordParams{Content: "task queued", Tags: []string{"task", "queued", "t1"}})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = store.AddRecord(ctx, AddRecordParams{Content: "task dispatched", Tags: []string{"task", "dispatched", "t1"}})
	require.NoError(t, err)

	results, err := store.Search(ctx, SearchParams{Tags: []string{"task", "t1"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "task dispatched", results[0].Content)
}

func TestSearchRespectsLimit(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	store := NewInMemory(clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.AddRecord(ctx, AddRecordParams{Content: "x", Tags: []string{"a"}})
		require.NoError(t, err)
		clk.Advance(time.Millisecond)
	}

	results, err := store.Search(ctx, SearchParams{Tags: []string{"a"}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchRequiresAllTags(t *testing.T) {
	clk := clock.NewFrozen(time.Now())
	store := NewInMemory(clk)
	ctx := context.Background()

	_, err := store.AddRecord(ctx, AddRecordParams{Content: "x", Tags: []string{"a"}})
	require.NoError(t, err)

	results, err := store.Search(ctx, SearchParams{Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Empty(t, results)
}
