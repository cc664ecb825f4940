package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/voltgrid/csms/internal/db/models"
)

// Session states.
const (
	stateActive int32 = iota
	stateClosing
	stateClosed
)

// ErrSessionClosed is returned by Call when the session closes before a
// response arrives.
var ErrSessionClosed = errors.New("ocpp session closed")

// ErrCallTimeout is returned by Call when the charge point does not respond
// within the call timeout.
var ErrCallTimeout = errors.New("ocpp call timed out")

// Conn is the transport a session reads frames from and writes frames to.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type callOutcome struct {
	result *CallResult
	err    *CallError
}

// Session is one live OCPP connection to a charge point. All inbound frames
// are processed sequentially by the read loop; outbound writes are
// serialized by a write mutex so server-initiated calls and handler
// responses can interleave safely.
type Session struct {
	ID          string
	ChargePoint *models.ChargePoint

	conn   Conn
	router *Router

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callOutcome

	mu            sync.Mutex
	state         int32
	lastHeartbeat time.Time
	lastActivity  time.Time

	connectedAt time.Time
	callTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Session)

	log *logrus.Entry
}

// NewSession wraps an accepted connection for the given charge point.
// onClose runs exactly once when the session ends, after all pending calls
// have been failed.
func NewSession(cp *models.ChargePoint, conn Conn, router *Router, callTimeout time.Duration, onClose func(*Session)) *Session {
	now := time.Now()
	return &Session{
		ID:           cp.Name,
		ChargePoint:  cp,
		conn:         conn,
		router:       router,
		pending:      make(map[string]chan callOutcome),
		state:        stateActive,
		lastActivity: now,
		connectedAt:  now,
		callTimeout:  callTimeout,
		closed:       make(chan struct{}),
		onClose:      onClose,
		log:          logrus.WithField("chargePointID", cp.Name),
	}
}

// Run reads and dispatches frames until the connection drops or the session
// is closed. It blocks; callers run it on the connection's goroutine.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() == stateActive {
				s.log.WithError(err).Info("Connection closed")
			}
			return
		}
		s.touchActivity()
		s.handleFrame(ctx, data)
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	frame, werr := DecodeFrame(data)
	if werr != nil {
		s.log.WithField("code", werr.Code).Warn("Malformed frame: " + werr.Description)
		if werr.UniqueID != "" {
			s.writeCallError(&CallError{
				UniqueID:         werr.UniqueID,
				ErrorCode:        werr.Code,
				ErrorDescription: werr.Description,
			})
		}
		return
	}

	switch {
	case frame.Call != nil:
		s.dispatchCall(ctx, frame.Call)
	case frame.CallResult != nil:
		s.resolvePending(frame.CallResult.UniqueID, callOutcome{result: frame.CallResult})
	case frame.CallError != nil:
		s.resolvePending(frame.CallError.UniqueID, callOutcome{err: frame.CallError})
	}
}

func (s *Session) dispatchCall(ctx context.Context, call *Call) {
	if call.Action == "Heartbeat" {
		s.touchHeartbeat()
	}

	response, werr := s.router.Dispatch(ctx, s, call)
	if werr != nil {
		s.writeCallError(&CallError{
			UniqueID:         call.UniqueID,
			ErrorCode:        werr.Code,
			ErrorDescription: werr.Description,
		})
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		s.log.WithError(err).WithField("action", call.Action).Error("Failed to marshal response")
		s.writeCallError(&CallError{
			UniqueID:         call.UniqueID,
			ErrorCode:        ErrInternalError,
			ErrorDescription: "failed to serialize response",
		})
		return
	}

	data, err := EncodeCallResult(&CallResult{UniqueID: call.UniqueID, Payload: payload})
	if err != nil {
		s.log.WithError(err).Error("Failed to encode call result")
		return
	}
	if err := s.write(data); err != nil {
		s.log.WithError(err).Error("Failed to write call result")
	}
}

// Call sends a server-initiated request and decodes the charge point's
// response into response. A CallError reply, the call timeout, context
// cancellation and session close all surface as errors.
func (s *Session) Call(ctx context.Context, action string, request interface{}, response interface{}) error {
	if s.State() != stateActive {
		return ErrSessionClosed
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", action, err)
	}

	uniqueID := uuid.NewString()
	data, err := EncodeCall(&Call{UniqueID: uniqueID, Action: action, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s call: %w", action, err)
	}

	outcome := make(chan callOutcome, 1)
	s.pendingMu.Lock()
	s.pending[uniqueID] = outcome
	s.pendingMu.Unlock()

	if err := s.write(data); err != nil {
		s.dropPending(uniqueID)
		return fmt.Errorf("write %s call: %w", action, err)
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case o := <-outcome:
		if o.err != nil {
			return fmt.Errorf("%s rejected: %s: %s", action, o.err.ErrorCode, o.err.ErrorDescription)
		}
		if response != nil {
			if err := json.Unmarshal(o.result.Payload, response); err != nil {
				return fmt.Errorf("unmarshal %s response: %w", action, err)
			}
		}
		return nil
	case <-timer.C:
		s.dropPending(uniqueID)
		return ErrCallTimeout
	case <-ctx.Done():
		s.dropPending(uniqueID)
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

func (s *Session) resolvePending(uniqueID string, outcome callOutcome) {
	s.pendingMu.Lock()
	ch, ok := s.pending[uniqueID]
	if ok {
		delete(s.pending, uniqueID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.log.WithField("uniqueID", uniqueID).Warn("Response for unknown call")
		return
	}
	ch <- outcome
}

func (s *Session) dropPending(uniqueID string) {
	s.pendingMu.Lock()
	delete(s.pending, uniqueID)
	s.pendingMu.Unlock()
}

func (s *Session) writeCallError(e *CallError) {
	data, err := EncodeCallError(e)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode call error")
		return
	}
	if err := s.write(data); err != nil {
		s.log.WithError(err).Error("Failed to write call error")
	}
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the session: the connection is closed, every pending
// call fails with ErrSessionClosed, and the onClose callback runs once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosing
		s.mu.Unlock()

		close(s.closed)
		_ = s.conn.Close()

		s.pendingMu.Lock()
		s.pending = make(map[string]chan callOutcome)
		s.pendingMu.Unlock()

		if s.onClose != nil {
			s.onClose(s)
		}

		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
	})
}

// State returns the session's lifecycle state.
func (s *Session) State() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	now := time.Now()
	s.lastHeartbeat = now
	s.lastActivity = now
	s.mu.Unlock()
}

// IdleSince reports how long the session has gone without any inbound
// frame.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Stats is a point-in-time snapshot of a session for the admin API.
type Stats struct {
	ChargePointID  string     `json:"chargePointId"`
	ConnectedSince time.Time  `json:"connectedSince"`
	LastHeartbeat  *time.Time `json:"lastHeartbeat,omitempty"`
	PendingCalls   int        `json:"pendingCalls"`
}

// Stats snapshots the session.
func (s *Session) Stats() Stats {
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		ChargePointID:  s.ID,
		ConnectedSince: s.connectedAt,
		PendingCalls:   pending,
	}
	if !s.lastHeartbeat.IsZero() {
		hb := s.lastHeartbeat
		stats.LastHeartbeat = &hb
	}
	return stats
}
