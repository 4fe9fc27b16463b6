package depositclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"github.com/onemorebsmith/deposit-ingest/src/diaglog"
	"github.com/onemorebsmith/deposit-ingest/src/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const testUpstream = "wss://deposits.example/ws"

type sentFrame struct {
	messageType int
	data        string
}

// fakeConn behaves like a websocket: ReadMessage blocks until a frame is
// queued or the connection is closed by either side.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   []sentFrame
	writeErr error
	stalled  bool
	deadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	default:
	}
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	if c.stalled {
		deadline := c.deadline
		c.mu.Unlock()
		return c.waitForDeadline(deadline)
	}
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, sentFrame{messageType: messageType, data: string(data)})
	return nil
}

// waitForDeadline models a peer that stopped reading: the write only ends
// when its deadline passes or the socket is closed.
func (c *fakeConn) waitForDeadline(deadline time.Time) error {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-expired:
		return errors.New("i/o timeout")
	case <-c.closed:
		return errors.New("use of closed network connection")
	}
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) stall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = true
}

func (c *fakeConn) writeDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(msg string) {
	c.inbound <- []byte(msg)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []string{}
	for _, w := range c.writes {
		if w.messageType == websocket.TextMessage {
			out = append(out, w.data)
		}
	}
	return out
}

func (c *fakeConn) sentClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writes {
		if w.messageType == websocket.CloseMessage {
			return true
		}
	}
	return false
}

type dialRecord struct {
	url    string
	header http.Header
	conn   *fakeConn
}

type fakeDialer struct {
	mu    sync.Mutex
	dials []dialRecord
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		d.dials = append(d.dials, dialRecord{url: url, header: header})
		return nil, d.err
	}
	conn := newFakeConn()
	d.dials = append(d.dials, dialRecord{url: url, header: header, conn: conn})
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) failWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dial(i int) dialRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

// connsTo returns the connections dialed with token, in dial order
func (d *fakeDialer) connsTo(token string) []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []*fakeConn{}
	for _, rec := range d.dials {
		if rec.conn != nil && strings.Contains(rec.url, "token="+token) {
			out = append(out, rec.conn)
		}
	}
	return out
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testSource(id int64, token string) model.DepositSource {
	return model.DepositSource{
		ID:                model.SourceID(id),
		Name:              fmt.Sprintf("S%d", id),
		SecretToken:       token,
		CommissionPercent: decimal.NewFromInt(5),
		IsActive:          true,
		ProjectID:         1,
	}
}

type harness struct {
	t        *testing.T
	cfg      ClientConfig
	clock    *clock.FakeClock
	dialer   *fakeDialer
	diag     *diaglog.Log
	store    *MemoryStore
	ingestor *DepositIngestor
}

func newHarness(t *testing.T) *harness {
	cfg := ClientConfig{UpstreamURL: testUpstream, StartupDelay: -1}
	cfg.ApplyDefaults()
	fc := clock.Fake(epoch)
	diag := diaglog.New(diaglog.DefaultCapacity, fc, zap.NewNop())
	store := NewMemoryStore()
	return &harness{
		t:        t,
		cfg:      cfg,
		clock:    fc,
		dialer:   &fakeDialer{},
		diag:     diag,
		store:    store,
		ingestor: NewDepositIngestor(store, nil, diag, fc, zap.NewNop()),
	}
}

func (h *harness) deps() supervisorDeps {
	return supervisorDeps{
		cfg:      h.cfg,
		dialer:   h.dialer,
		ingestor: h.ingestor,
		diag:     h.diag,
		clock:    h.clock,
		logger:   zap.NewNop(),
	}
}

func (h *harness) supervisor(source model.DepositSource) *Supervisor {
	h.store.PutSource(source)
	s := newSupervisor(source, h.deps())
	h.t.Cleanup(s.Stop)
	return s
}

func (h *harness) registry() *Registry {
	r := NewRegistry(h.cfg, h.store, h.dialer, h.ingestor, h.diag, h.clock, zap.NewNop())
	h.t.Cleanup(r.Shutdown)
	return r
}

func (h *harness) entries(id model.SourceID, level diaglog.Level) []string {
	out := []string{}
	for _, e := range h.diag.Query(&id) {
		if e.SourceID != nil && e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func (h *harness) logContains(fragment string) bool {
	for _, e := range h.diag.Query(nil) {
		if strings.Contains(e.Message, fragment) {
			return true
		}
	}
	return false
}

func waitForState(t *testing.T, s *Supervisor, state State) {
	t.Helper()
	eventually(t, "state "+string(state), func() bool { return s.State() == state })
}
