package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/logger"
	eventbus "github.com/opsloop/agentcore/internal/events/bus"
	"github.com/opsloop/agentcore/pkg/types"
)

func setupService(t *testing.T, historyCap int) *Service {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	transport := eventbus.NewMemoryEventBus(log)
	t.Cleanup(transport.Close)
	clk := clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(transport, clk, log, historyCap)
}

func TestCreateSessionRequiresParticipants(t *testing.T) {
	svc := setupService(t, 10)
	_, err := svc.CreateSession(types.CreateSessionParams{})
	assert.Error(t, err)
}

func TestSendMessageAssignsStrictlyIncreasingIDs(t *testing.T) {
	svc := setupService(t, 10)
	sess, err := svc.CreateSession(types.CreateSessionParams{Participants: []string{"a1", "a2"}})
	require.NoError(t, err)

	ctx := context.Background()
	m1, err := svc.SendMessage(ctx, types.SendMessageParams{SessionID: sess.ID, FromAgent: "a1", Content: "hello"})
	require.NoError(t, err)
	m2, err := svc.SendMessage(ctx, types.SendMessageParams{SessionID: sess.ID, FromAgent: "a2", Content: "world"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), m1.ID)
	assert.Equal(t, int64(2), m2.ID)
}

func TestSendMessageRejectsEmptyContent(t *testing.T) {
	svc := setupService(t, 10)
	sess, err := svc.CreateSession(types.CreateSessionParams{Participants: []string{"a1"}})
	require.NoError(t, err)

	_, err = svc.SendMessage(context.Background(), types.SendMessageParams{SessionID: sess.ID, FromAgent: "a1"})
	assert.Error(t, err)
}

func TestGetMessageHistoryIsMostRecentFirst(t *testing.T) {
	svc := setupService(t, 10)
	sess, err := svc.CreateSession(types.CreateSessionParams{Participants: []string{"a1"}})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.SendMessage(ctx, types.SendMessageParams{SessionID: sess.ID, FromAgent: "a1", Content: fmt.Sprintf("msg-%d", i)})
		require.NoError(t, err)
	}

	history, err := svc.GetMessageHistory(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "msg-2", history[0].Content)
	assert.Equal(t, "msg-0", history[2].Content)
}

func TestGetMessageHistoryRespectsLimit(t *testing.T) {
	svc := setupService(t, 10)
	sess, err := svc.CreateSession(types.CreateSessionParams{Participants: []string{"a1"}})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(ctx, types.SendMessageParams{SessionID: sess.ID, FromAgent: "a1", Content: fmt.Sprintf("msg-%d", i)})
		require.NoError(t, err)
	}

	history, err := svc.GetMessageHistory(sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "msg-4", history[0].Content)
	assert.Equal(t, "msg-3", history[1].Content)
}

func TestHistoryEvictsOldestWhenOverCap(t *testing.T) {
	svc := setupService(t, 2)
	sess, err := svc.CreateSession(types.CreateSessionParams{Participants: []string{"a1"}})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.SendMessage(ctx, types.SendMessageParams{SessionID: sess.ID, FromAgent: "a1", Content: fmt.Sprintf("msg-%d", i)})
		require.NoError(t, err)
	}

	history, err := svc.GetMessageHistory(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "msg-4", history[0].Content)
	assert.Equal(t, "msg-3", history[1].Content)
}

func TestSendMessageUnknownSessionReturnsNotFound(t *testing.T) {
	svc := setupService(t, 10)
	_, err := svc.SendMessage(context.Background(), types.SendMessageParams{SessionID: "missing", FromAgent: "a1", Content: "x"})
	assert.Error(t, err)
}

func TestConcurrentSendMessagePreservesFIFOOrderingPerSession(t *testing.T) {
	svc := setupService(t, 1000)
	sess, err := svc.CreateSession(types.CreateSessionParams{Participants: []string{"a1"}})
	require.NoError(t, err)

	ctx := context.Background()
	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = svc.SendMessage(ctx, types.SendMessageParams{SessionID: sess.ID, FromAgent: "a1", Content: fmt.Sprintf("msg-%d", i)})
		}(i)
	}
	wg.Wait()

	history, err := svc.GetMessageHistory(sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, n)
	for i, msg := range history {
		assert.Equal(t, int64(n-i), msg.ID)
	}
}
