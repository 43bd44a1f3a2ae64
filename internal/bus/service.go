// Package bus implements the sessioned agent communication layer: session
// lifecycle, per-session FIFO message delivery, bounded history, and
// broadcast, all published as events on the underlying transport bus so
// other components (metrics, the orchestrator) can observe traffic
// without coupling to this package's internals.
package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/apperrors"
	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/idgen"
	"github.com/opsloop/agentcore/internal/common/logger"
	eventbus "github.com/opsloop/agentcore/internal/events/bus"
	"github.com/opsloop/agentcore/pkg/types"
)

// SubjectMessageSent is the transport subject messages are published to
// after being appended to a session's history.
const SubjectMessageSent = "comms.message_sent"

// sessionState tracks one session's ordering counter and bounded
// history. Each session is independently serialized so a slow handler on
// one session never blocks another.
type sessionState struct {
	mu        sync.Mutex
	session   types.Session
	history   []*types.Message
	nextMsgID int64
}

// Service is the sessioned communication bus.
type Service struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionState
	transport  eventbus.EventBus
	clock      clock.Clock
	logger     *logger.Logger
	historyCap int
}

// New creates a Service backed by transport, with historyCap bounding
// the number of retained messages per session (oldest evicted first).
func New(transport eventbus.EventBus, clk clock.Clock, log *logger.Logger, historyCap int) *Service {
	if historyCap <= 0 {
		historyCap = 10000
	}
	return &Service{
		sessions:   make(map[string]*sessionState),
		transport:  transport,
		clock:      clk,
		logger:     log,
		historyCap: historyCap,
	}
}

// CreateSession starts a new session and returns its record.
func (s *Service) CreateSession(params types.CreateSessionParams) (*types.Session, error) {
	if len(params.Participants) == 0 {
		return nil, apperrors.ValidationError("participants", "a session requires at least one participant")
	}
	if params.Mode == "" {
		params.Mode = types.SessionModeCollaborative
	}

	sess := types.Session{
		ID:               idgen.New(idgen.CategorySession),
		Participants:     append([]string(nil), params.Participants...),
		Mode:             params.Mode,
		Topic:            params.Topic,
		ConsensusEnabled: params.ConsensusEnabled,
		CreatedAt:        s.clock.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &sessionState{session: sess}
	s.mu.Unlock()

	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.Strings("participants", sess.Participants))
	return &sess, nil
}

// EnsureSession returns the session identified by sessionID, creating it
// with the given params under that exact id if it does not yet exist.
// Used for well-known sessions (e.g. a dedicated metrics channel) whose
// id is fixed rather than generated.
func (s *Service) EnsureSession(sessionID string, params types.CreateSessionParams) (*types.Session, error) {
	s.mu.Lock()
	if st, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		st.mu.Lock()
		defer st.mu.Unlock()
		sess := st.session
		return &sess, nil
	}

	if len(params.Participants) == 0 {
		s.mu.Unlock()
		return nil, apperrors.ValidationError("participants", "a session requires at least one participant")
	}
	if params.Mode == "" {
		params.Mode = types.SessionModeCollaborative
	}
	sess := types.Session{
		ID:               sessionID,
		Participants:     append([]string(nil), params.Participants...),
		Mode:             params.Mode,
		Topic:            params.Topic,
		ConsensusEnabled: params.ConsensusEnabled,
		CreatedAt:        s.clock.Now(),
	}
	s.sessions[sessionID] = &sessionState{session: sess}
	s.mu.Unlock()

	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.Strings("participants", sess.Participants))
	return &sess, nil
}

// GetSession returns a session's metadata.
func (s *Service) GetSession(sessionID string) (*types.Session, error) {
	st, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.session
	return &sess, nil
}

func (s *Service) lookup(sessionID string) (*sessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return st, nil
}

// SendMessage appends a message to a session's history and publishes it
// on the transport bus. Messages within a session are assigned strictly
// increasing IDs in the order SendMessage is called, because the
// session's own mutex serializes ID assignment and the history append.
// Publishing happens after that mutex is released.
func (s *Service) SendMessage(ctx context.Context, params types.SendMessageParams) (*types.Message, error) {
	if params.Content == "" {
		return nil, apperrors.ValidationError("content", "message content must not be empty")
	}
	if params.FromAgent == "" {
		return nil, apperrors.ValidationError("from_agent", "from_agent must not be empty")
	}
	if params.MessageType == "" {
		params.MessageType = types.MessageTypeUpdate
	}

	st, err := s.lookup(params.SessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.nextMsgID++
	msg := &types.Message{
		ID:          st.nextMsgID,
		SessionID:   params.SessionID,
		FromAgent:   params.FromAgent,
		ToAgent:     params.ToAgent,
		MessageType: params.MessageType,
		Content:     params.Content,
		Timestamp:   s.clock.Now(),
		Metadata:    params.Metadata,
	}
	st.history = append(st.history, msg)
	if len(st.history) > s.historyCap {
		overflow := len(st.history) - s.historyCap
		st.history = st.history[overflow:]
	}
	st.mu.Unlock()

	s.publish(ctx, msg)
	return msg, nil
}

// BroadcastMessage is a convenience wrapper over SendMessage with
// ToAgent left nil, meaning every session participant receives it.
func (s *Service) BroadcastMessage(ctx context.Context, sessionID, fromAgent, content string, msgType types.MessageType, metadata map[string]interface{}) (*types.Message, error) {
	return s.SendMessage(ctx, types.SendMessageParams{
		SessionID:   sessionID,
		FromAgent:   fromAgent,
		ToAgent:     nil,
		Content:     content,
		MessageType: msgType,
		Metadata:    metadata,
	})
}

func (s *Service) publish(ctx context.Context, msg *types.Message) {
	data := map[string]interface{}{
		"message_id":   msg.ID,
		"session_id":   msg.SessionID,
		"from_agent":   msg.FromAgent,
		"message_type": string(msg.MessageType),
		"content":      msg.Content,
	}
	if msg.ToAgent != nil {
		data["to_agent"] = *msg.ToAgent
	}

	event := eventbus.NewEvent(SubjectMessageSent, "comms", data)
	if err := s.transport.Publish(ctx, SubjectMessageSent, event); err != nil {
		s.logger.Warn("failed to publish message_sent event",
			zap.String("session_id", msg.SessionID), zap.Error(err))
	}
}

// OnMessageSent attaches handler to every accepted message across all
// sessions, matching the contract's `on("message_sent", handler)` event
// stream. Handlers must not block; long work must be offloaded.
func (s *Service) OnMessageSent(handler func(ctx context.Context, msg *types.Message)) (eventbus.Subscription, error) {
	return s.transport.Subscribe(SubjectMessageSent, func(ctx context.Context, event *eventbus.Event) error {
		handler(ctx, messageFromEvent(event))
		return nil
	})
}

func messageFromEvent(event *eventbus.Event) *types.Message {
	msg := &types.Message{Timestamp: event.Timestamp}
	if v, ok := event.Data["message_id"].(int64); ok {
		msg.ID = v
	}
	if v, ok := event.Data["session_id"].(string); ok {
		msg.SessionID = v
	}
	if v, ok := event.Data["from_agent"].(string); ok {
		msg.FromAgent = v
	}
	if v, ok := event.Data["message_type"].(string); ok {
		msg.MessageType = types.MessageType(v)
	}
	if v, ok := event.Data["content"].(string); ok {
		msg.Content = v
	}
	if v, ok := event.Data["to_agent"].(string); ok {
		msg.ToAgent = &v
	}
	return msg
}

// GetMessageHistory returns the messages recorded for a session,
// most-recent-first, bounded by limit (0 means unbounded).
func (s *Service) GetMessageHistory(sessionID string, limit int) ([]*types.Message, error) {
	st, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.history)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*types.Message, n)
	for i := 0; i < n; i++ {
		out[i] = st.history[len(st.history)-1-i]
	}
	return out, nil
}

// SessionCount reports the number of known sessions. Used by metrics.
func (s *Service) SessionCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sessions))
}
