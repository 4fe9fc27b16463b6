package depositclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"github.com/onemorebsmith/deposit-ingest/src/diaglog"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateOpen             State = "open"
	StateReconnectPending State = "reconnect_pending"
)

const closeFrameTimeout = time.Second

type Ingestor interface {
	Ingest(ctx context.Context, source model.DepositSource, event model.InboundDepositEvent) IngestResult
}

type supervisorDeps struct {
	cfg      ClientConfig
	dialer   Dialer
	ingestor Ingestor
	diag     *diaglog.Log
	clock    clock.Clock
	logger   *zap.Logger
}

type SupervisorStats struct {
	SourceID       model.SourceID `json:"sourceId"`
	Name           string         `json:"name"`
	State          State          `json:"state"`
	Misconfigured  bool           `json:"misconfigured,omitempty"`
	LastLivenessAt *time.Time     `json:"lastLivenessAt,omitempty"`
}

// Supervisor owns the upstream connection of one deposit source. Timer
// callbacks, inbound messages and lifecycle calls are serialized on mu; each
// connection attempt bumps epoch so callbacks from an older connection are ignored.
type Supervisor struct {
	supervisorDeps
	source model.DepositSource
	scope  diaglog.Scope
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	conn          Conn
	connLogger    *zap.Logger
	epoch         uint64
	keepalive     *KeepaliveMonitor
	reconnect     slotTimer
	misconfigured bool
	stopped       bool
	wg            sync.WaitGroup
}

func newSupervisor(source model.DepositSource, deps supervisorDeps) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		supervisorDeps: deps,
		source:         source,
		scope:          deps.diag.Source(source.ID),
		ctx:            ctx,
		cancel:         cancel,
		state:          StateIdle,
		reconnect:      slotTimer{clock: deps.clock},
	}
	s.logger = deps.logger.Named("supervisor").With(
		zap.Int64("source_id", int64(source.ID)),
		zap.String("source", source.Name),
	)
	s.connLogger = s.logger
	s.keepalive = NewKeepaliveMonitor(deps.clock, s.onKeepaliveExpired)
	return s
}

func (s *Supervisor) Source() model.DepositSource {
	return s.source
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := SupervisorStats{
		SourceID:      s.source.ID,
		Name:          s.source.Name,
		State:         s.state,
		Misconfigured: s.misconfigured,
	}
	if last := s.keepalive.LastLivenessAt(); !last.IsZero() {
		stats.LastLivenessAt = &last
	}
	return stats
}

// Start opens the connection in the background
func (s *Supervisor) Start() {
	s.spawn(s.connect)
}

// Reconnect drops whatever connection exists and dials again right away
func (s *Supervisor) Reconnect() {
	s.spawn(s.connect)
}

func (s *Supervisor) spawn(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// Stop closes the connection and cancels every timer; no reconnects happen
// afterwards. Blocks until the supervisor's goroutines have exited.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.cancel()
		if s.conn != nil {
			sendClose(s.conn)
		}
		s.teardownLocked()
		s.state = StateIdle
		s.scope.Info("connection supervisor stopped")
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) connect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	ep, err := newEndpoint(s.cfg.UpstreamURL, s.source.SecretToken, s.cfg.TokenInHeader, s.cfg.MinTokenLength)
	if err != nil {
		s.state = StateIdle
		s.misconfigured = true
		s.scope.Error(fmt.Sprintf("not connecting source %s: %s", s.source.Name, err))
		s.mu.Unlock()
		return
	}
	s.misconfigured = false
	s.state = StateConnecting
	epoch := s.epoch
	connID := uuid.New().String()
	s.scope.Info("connecting to upstream")
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, err := s.dialer.Dial(ctx, ep.URL(), ep.Header())
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.epoch != epoch {
		// superseded while dialing
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.scope.Error(fmt.Sprintf("connection failed: %s", err))
		RecordDisconnect(s.source.ID, disconnectDialError)
		s.scheduleReconnectLocked()
		return
	}

	s.conn = conn
	s.state = StateOpen
	s.connLogger = s.logger.With(zap.String("conn_id", connID))
	s.keepalive.Arm(s.cfg.InitialKeepalive)
	s.scope.Info(fmt.Sprintf("connection open: %s", ep.Redacted()))
	RecordConnect(s.source.ID)

	s.wg.Add(1)
	go s.readLoop(conn, epoch)
}

func (s *Supervisor) readLoop(conn Conn, epoch uint64) {
	defer s.wg.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.onTransportFailure(epoch, err)
			return
		}
		if !s.handleMessage(epoch, raw) {
			return
		}
	}
}

// handleMessage processes one inbound frame; false stops the read loop.
func (s *Supervisor) handleMessage(epoch uint64, raw []byte) bool {
	event, ok := s.dispatch(epoch, raw)
	if event != nil {
		// ingestion talks to the store, keep it outside the lock so timers stay responsive
		s.ingestor.Ingest(s.ctx, s.source, *event)
	}
	return ok
}

func (s *Supervisor) dispatch(epoch uint64, raw []byte) (*model.InboundDepositEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.epoch != epoch {
		return nil, false
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		RecordProtocolError(s.source.ID)
		s.scope.Error(fmt.Sprintf("dropping message: %s", err))
		return nil, true
	}

	switch env.Name {
	case MessagePing:
		s.keepalive.Arm(s.cfg.KeepaliveWindow)
		// the write runs under mu, a peer that stops reading must not wedge the supervisor
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, pongFrame); err != nil {
			s.failLocked(errors.Wrap(err, "failed sending pong"))
			return nil, false
		}
		s.connLogger.Debug("ping -> pong")
		return nil, true
	case MessageNewDeposit:
		event, err := DecodeDeposit(env.Data)
		if err != nil {
			RecordProtocolError(s.source.ID)
			s.scope.Error(fmt.Sprintf("dropping deposit message: %s", err))
			return nil, true
		}
		s.connLogger.Debug("deposit received", zap.String("deposit_id", event.ID))
		return &event, true
	default:
		s.scope.Info(fmt.Sprintf("ignoring message %q", env.Name))
		return nil, true
	}
}

func (s *Supervisor) onTransportFailure(epoch uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.epoch != epoch {
		return
	}
	s.failLocked(err)
}

func (s *Supervisor) failLocked(err error) {
	reason := disconnectError
	if _, ok := errors.Cause(err).(*websocket.CloseError); ok {
		reason = disconnectClosed
	}
	s.scope.Warn(fmt.Sprintf("connection %s: %s", reason, err))
	RecordDisconnect(s.source.ID, reason)
	s.teardownLocked()
	s.scheduleReconnectLocked()
}

func (s *Supervisor) onKeepaliveExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.keepalive.Expired(gen) {
		return
	}
	s.scope.Warn(fmt.Sprintf("no ping within %s, closing connection", s.keepalive.Window()))
	RecordDisconnect(s.source.ID, disconnectKeepalive)
	s.teardownLocked()
	s.scheduleReconnectLocked()
}

func (s *Supervisor) scheduleReconnectLocked() {
	s.state = StateReconnectPending
	s.reconnect.arm(s.cfg.ReconnectDelay, s.onReconnectDue)
	s.scope.Info(fmt.Sprintf("reconnecting in %s", s.cfg.ReconnectDelay))
}

func (s *Supervisor) onReconnectDue(gen uint64) {
	s.mu.Lock()
	if s.stopped || !s.reconnect.consume(gen) {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	s.connect()
}

// teardownLocked invalidates the current epoch, clears both timers and closes
// the socket. The read loop of the closed socket exits on its own.
func (s *Supervisor) teardownLocked() {
	s.epoch++
	s.keepalive.Stop()
	s.reconnect.stop()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		connectionsOpen.Dec()
	}
	s.connLogger = s.logger
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// sendClose makes a best effort to say goodbye before the socket is closed
func sendClose(conn Conn) {
	if cw, ok := conn.(controlWriter); ok {
		cw.WriteControl(websocket.CloseMessage, closeFrame(), time.Now().Add(closeFrameTimeout))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
	conn.WriteMessage(websocket.CloseMessage, closeFrame())
}
