package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/testutil/testlog"
	"github.com/danmuck/relayctl/internal/transport"
	"github.com/danmuck/relayctl/internal/wire"
)

type fakeResult struct {
	msg wire.Message
	err error
}

// fakeTransport plays back a scripted inbox and records sent batches.
// An empty inbox reads as a remote close.
type fakeTransport struct {
	mu      sync.Mutex
	inbox   []fakeResult
	sent    [][]wire.Request
	sendErr error
	idle    time.Duration
	closed  bool
}

func (f *fakeTransport) script(results ...fakeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, results...)
}

func (f *fakeTransport) failNextSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) setIdle(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle = d
}

func (f *fakeTransport) sentBatches() [][]wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]wire.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) SendAll(_ context.Context, batch []wire.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	cp := make([]wire.Request, len(batch))
	copy(cp, batch)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Receive(_ context.Context) (wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return wire.Message{}, transport.ErrClosed
	}
	if len(f.inbox) == 0 {
		return wire.Message{}, transport.ErrRemoteClosed
	}
	next := f.inbox[0]
	f.inbox = f.inbox[1:]
	return next.msg, next.err
}

func (f *fakeTransport) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox)
}

func (f *fakeTransport) IdleTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func responseTo(id int64, result string) fakeResult {
	v := id
	return fakeResult{msg: wire.Message{ID: &v, Result: json.RawMessage(result)}}
}

func notification(method, params string) fakeResult {
	return fakeResult{msg: wire.Message{Method: method, Params: json.RawMessage(params)}}
}

func TestSessionRoundTrip(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()
	if s.Host() != "electrum.example.org" {
		t.Fatalf("unexpected host=%q", s.Host())
	}

	if err := s.QueueRequest("server.version", []any{"relayctl 0.1.0", "1.4"}, 1); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	sent, err := s.SendNext(context.Background())
	if err != nil || !sent {
		t.Fatalf("send failed: sent=%v err=%v", sent, err)
	}
	if st := s.Stats(); st.Pending != 1 || st.Queued != 0 {
		t.Fatalf("unexpected stats after send: %+v", st)
	}

	ft.script(responseTo(1, `"ElectrumX 1.16"`))
	batch, err := s.CollectResponses(context.Background())
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("unexpected batch size=%d", len(batch))
	}
	ex := batch[0]
	if ex.Sentinel() {
		t.Fatalf("round trip produced sentinel")
	}
	if ex.Request == nil || ex.Request.Method != "server.version" {
		t.Fatalf("response not paired with its request: %+v", ex)
	}
	if ex.Response == nil || *ex.Response.ID != 1 {
		t.Fatalf("unexpected response: %+v", ex.Response)
	}
	if st := s.Stats(); st.Pending != 0 {
		t.Fatalf("pending entry not removed: %+v", st)
	}
}

func TestSessionCollectDrainsBufferedBatch(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()

	for id := int64(1); id <= 2; id++ {
		if err := s.QueueRequest("blockchain.estimatefee", []any{id}, id); err != nil {
			t.Fatalf("queue failed: %v", err)
		}
		if _, err := s.SendNext(context.Background()); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	ft.script(
		responseTo(1, `0.0001`),
		notification("blockchain.headers.subscribe", `[{"height": 12}]`),
		responseTo(2, `0.0002`),
	)

	batch, err := s.CollectResponses(context.Background())
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("one wake-up should drain the buffer, got %d", len(batch))
	}
	if batch[0].Request == nil || batch[0].Request.ID != 1 {
		t.Fatalf("first exchange mismatched: %+v", batch[0])
	}
	if batch[1].Request != nil || batch[1].Response == nil {
		t.Fatalf("notification should pair with nil request: %+v", batch[1])
	}
	if batch[2].Request == nil || batch[2].Request.ID != 2 {
		t.Fatalf("third exchange mismatched: %+v", batch[2])
	}
	if st := s.Stats(); st.Pending != 0 {
		t.Fatalf("pending not drained: %+v", st)
	}
}

func TestSessionUnknownIDStopsBatch(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()

	ft.script(responseTo(99, `true`))
	batch, err := s.CollectResponses(context.Background())
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if len(batch) != 1 || !batch[0].Sentinel() {
		t.Fatalf("expected single sentinel, got %+v", batch)
	}
}

func TestSessionMalformedMessageStopsBatch(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()

	ft.script(fakeResult{err: fmt.Errorf("%w: not json", wire.ErrMalformed)})
	batch, err := s.CollectResponses(context.Background())
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if len(batch) != 1 || !batch[0].Sentinel() {
		t.Fatalf("expected single sentinel, got %+v", batch)
	}
}

func TestSessionRemoteCloseSetsFlag(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()

	batch, err := s.CollectResponses(context.Background())
	if err != nil {
		t.Fatalf("remote close is not an error for the collector: %v", err)
	}
	if len(batch) != 1 || !batch[0].Sentinel() {
		t.Fatalf("expected single sentinel, got %+v", batch)
	}
	if !s.ClosedRemotely() {
		t.Fatalf("remote-close flag not set")
	}
}

func TestSessionSendFailureRequeuesAtHead(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()

	if err := s.QueueRequest("server.version", nil, 1); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if err := s.QueueRequest("server.banner", nil, 2); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	ft.failNextSend(errors.New("wire jam"))

	sent, err := s.SendNext(context.Background())
	if sent || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected recoverable transport error, got sent=%v err=%v", sent, err)
	}
	if st := s.Stats(); st.Queued != 2 || st.Pending != 0 {
		t.Fatalf("failed request should be requeued, stats=%+v", st)
	}

	// The requeued request keeps its slot at the head.
	if _, err := s.SendNext(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if _, err := s.SendNext(context.Background()); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	batches := ft.sentBatches()
	if len(batches) != 2 || batches[0][0].ID != 1 || batches[1][0].ID != 2 {
		t.Fatalf("unexpected send order: %+v", batches)
	}
}

func TestSessionDuplicateWireID(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()

	if err := s.QueueRequest("server.version", nil, 7); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if _, err := s.SendNext(context.Background()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := s.QueueRequest("server.banner", nil, 7); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if _, err := s.SendNext(context.Background()); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate id, got %v", err)
	}
}

func TestSessionNumRequests(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxInflight = 2
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, cfg)
	defer s.Close()

	for id := int64(1); id <= 3; id++ {
		if err := s.QueueRequest("server.version", nil, id); err != nil {
			t.Fatalf("queue failed: %v", err)
		}
	}
	if got := s.NumRequests(); got != 2 {
		t.Fatalf("allowance should cap at inflight limit, got %d", got)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.SendNext(context.Background()); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	if got := s.NumRequests(); got != 0 {
		t.Fatalf("allowance at cap should be zero, got %d", got)
	}

	ft.script(responseTo(1, `"ok"`))
	if _, err := s.CollectResponses(context.Background()); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if got := s.NumRequests(); got != 1 {
		t.Fatalf("allowance should reopen after a response, got %d", got)
	}

	// Oversubscribed pending must clamp to zero, not go negative.
	if err := s.pending.Record(wire.NewRequest(98, "server.version", nil)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := s.pending.Record(wire.NewRequest(99, "server.version", nil)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if got := s.NumRequests(); got != 0 {
		t.Fatalf("allowance must never go negative, got %d", got)
	}
}

func TestSessionLivenessThroughInjectedClock(t *testing.T) {
	testlog.Start(t)
	base := time.Unix(1700000000, 0)
	now := base
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	defer s.Close()
	s.clock = func() time.Time { return now }

	if !s.PingDue() {
		t.Fatalf("first ping should be due immediately")
	}
	if s.PingDue() {
		t.Fatalf("ping window should have reset")
	}

	if err := s.QueueRequest("server.version", nil, 1); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if _, err := s.SendNext(context.Background()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if s.TimedOut() {
		t.Fatalf("fresh send should not stall")
	}

	now = base.Add(20 * time.Second)
	ft.setIdle(5 * time.Second)
	if s.TimedOut() {
		t.Fatalf("active transport should not stall")
	}
	ft.setIdle(20 * time.Second)
	if !s.TimedOut() {
		t.Fatalf("expected stalled session")
	}

	now = base.Add(61 * time.Second)
	if !s.PingDue() {
		t.Fatalf("ping should be due after the window")
	}
}

func TestSessionClosedOperations(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("repeat close should reuse result: %v", err)
	}
	if err := s.QueueRequest("server.version", nil, 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("queue on closed session: %v", err)
	}
	if _, err := s.SendNext(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("send on closed session: %v", err)
	}
	if _, err := s.CollectResponses(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("collect on closed session: %v", err)
	}
}

func TestSessionCloseUnblocksSender(t *testing.T) {
	testlog.Start(t)
	ft := &fakeTransport{}
	s := New("electrum.example.org", ft, DefaultConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendNext(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected closed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked sender did not unblock on close")
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt <= 4; attempt++ {
		base := NextBackoffDelay(BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			Multiplier:   cfg.Multiplier,
			MaxDelay:     cfg.MaxDelay,
		}, attempt, nil)
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < base/2 || got > base+base/2 {
			t.Fatalf("attempt %d: jittered delay %v outside [%v, %v]", attempt, got, base/2, base+base/2)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	got := Config{}.WithDefaults()
	want := DefaultConfig()
	if got.PingInterval != want.PingInterval || got.StallAfter != want.StallAfter {
		t.Fatalf("liveness defaults not applied: %+v", got)
	}
	if got.MaxInflight != want.MaxInflight || got.MaxLineBytes != want.MaxLineBytes {
		t.Fatalf("limit defaults not applied: %+v", got)
	}
	if got.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode %q", got.SecurityMode)
	}
	if got.Backoff.InitialDelay != want.Backoff.InitialDelay {
		t.Fatalf("backoff defaults not applied: %+v", got.Backoff)
	}

	custom := Config{PingInterval: 5 * time.Second}.WithDefaults()
	if custom.PingInterval != 5*time.Second {
		t.Fatalf("explicit value clobbered: %v", custom.PingInterval)
	}
}
