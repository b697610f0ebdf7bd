package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/james-see/netmidi2usb/pkg/device"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeRegistry records every hardware operation in trace
type fakeRegistry struct {
	mu           sync.Mutex
	endpoints    []device.Endpoint
	enumErr      error
	openErr      error
	trace        []string
	enumerations int
	open         int
	maxOpen      int
	handles      []*fakeHandle
}

func (r *fakeRegistry) Enumerate() ([]device.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enumerations++
	r.trace = append(r.trace, "enumerate")
	if r.enumErr != nil {
		return nil, r.enumErr
	}
	return append([]device.Endpoint(nil), r.endpoints...), nil
}

func (r *fakeRegistry) Open(index int) (device.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, fmt.Sprintf("open:%d", index))
	if r.openErr != nil {
		return nil, r.openErr
	}
	r.open++
	if r.open > r.maxOpen {
		r.maxOpen = r.open
	}
	h := &fakeHandle{reg: r, index: index}
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRegistry) Close() error { return nil }

func (r *fakeRegistry) setEndpoints(eps ...device.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = eps
}

func (r *fakeRegistry) resetTrace() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = nil
}

func (r *fakeRegistry) snapshotTrace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.trace...)
}

type fakeHandle struct {
	reg     *fakeRegistry
	index   int
	closed  bool
	sendErr error
	sent    [][]byte
}

func (h *fakeHandle) Send(data []byte) error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	if h.closed {
		return errors.New("send on closed handle")
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, append([]byte(nil), data...))
	return nil
}

func (h *fakeHandle) Close() error {
	h.reg.mu.Lock()
	defer h.reg.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.reg.open--
	h.reg.trace = append(h.reg.trace, fmt.Sprintf("close:%d", h.index))
	return nil
}

func scenarioRegistry() *fakeRegistry {
	return &fakeRegistry{endpoints: []device.Endpoint{
		{Index: 0, Name: "Built-in Output"},
		{Index: 2, Name: "CH345 MIDI 1"},
	}}
}

func statusJSON(t *testing.T, s Status) string {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return string(data)
}

func TestBindConnects(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())

	st, err := b.Bind()
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if !st.Connected() {
		t.Fatal("Bind() should report connected")
	}

	want := `{"status":"connected","port":2,"deviceName":"CH345 MIDI 1"}`
	if got := statusJSON(t, b.Status()); got != want {
		t.Errorf("Status() = %s, want %s", got, want)
	}
}

func TestBindNotFound(t *testing.T) {
	reg := &fakeRegistry{endpoints: []device.Endpoint{{Index: 0, Name: "Built-in Output"}}}
	b := NewBinding(reg, "CH345", zap.NewNop())

	_, err := b.Bind()
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Bind() error = %v, want ErrDeviceNotFound", err)
	}
	if got := statusJSON(t, b.Status()); got != `{"status":"disconnected"}` {
		t.Errorf("Status() = %s, want disconnected", got)
	}
}

func TestBindOpenFailure(t *testing.T) {
	reg := scenarioRegistry()
	reg.openErr = errors.New("resource busy")
	b := NewBinding(reg, "CH345", zap.NewNop())

	_, err := b.Bind()
	if !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("Bind() error = %v, want ErrOpenFailed", err)
	}
	if b.Status().Connected() {
		t.Error("binding should stay disconnected after open failure")
	}
}

func TestBindEnumerateFailure(t *testing.T) {
	reg := scenarioRegistry()
	reg.enumErr = errors.New("driver gone")
	b := NewBinding(reg, "CH345", zap.NewNop())

	if _, err := b.Bind(); !errors.Is(err, ErrEnumerate) {
		t.Fatalf("Bind() error = %v, want ErrEnumerate", err)
	}
	if b.Status().Connected() {
		t.Error("binding should stay disconnected after enumerate failure")
	}
}

func TestRebindClosesBeforeOpen(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	reg.resetTrace()
	if _, err := b.Bind(); err != nil {
		t.Fatalf("second Bind() error = %v", err)
	}

	want := []string{"close:2", "enumerate", "open:2"}
	got := reg.snapshotTrace()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("trace = %v, want %v", got, want)
	}
	if reg.maxOpen != 1 {
		t.Errorf("max open handles = %d, want 1", reg.maxOpen)
	}
}

func TestReconnectFollowsRenumbering(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	reg.setEndpoints(
		device.Endpoint{Index: 0, Name: "Built-in Output"},
		device.Endpoint{Index: 1, Name: "CH345 MIDI 1"},
	)
	reg.resetTrace()

	st, err := b.Reconnect()
	if err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if st.Port == nil || *st.Port != 1 {
		t.Fatalf("Reconnect() port = %v, want 1", st.Port)
	}

	want := []string{"close:2", "enumerate", "open:1"}
	if got := reg.snapshotTrace(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("trace = %v, want %v", got, want)
	}
	if !reg.handles[0].closed {
		t.Error("old handle should be closed")
	}
	if got := statusJSON(t, b.Status()); got != `{"status":"connected","port":1,"deviceName":"CH345 MIDI 1"}` {
		t.Errorf("Status() = %s", got)
	}
}

func TestReconnectNotFoundLeavesUnbound(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	reg.setEndpoints(device.Endpoint{Index: 0, Name: "Built-in Output"})
	if _, err := b.Reconnect(); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Reconnect() error = %v, want ErrDeviceNotFound", err)
	}
	if b.Status().Connected() {
		t.Error("binding should be disconnected")
	}
	if reg.open != 0 {
		t.Errorf("open handles = %d, want 0", reg.open)
	}
}

func TestUnbindIdempotent(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	reg.resetTrace()
	b.Unbind()
	b.Unbind()

	want := []string{"close:2"}
	if got := reg.snapshotTrace(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("trace = %v, want %v", got, want)
	}
	if b.Status().Connected() {
		t.Error("binding should be disconnected")
	}
}

func TestStatusDoesNotEnumerate(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	before := reg.enumerations
	first := statusJSON(t, b.Status())
	for i := 0; i < 10; i++ {
		if got := statusJSON(t, b.Status()); got != first {
			t.Fatalf("Status() changed: %s -> %s", first, got)
		}
	}
	if reg.enumerations != before {
		t.Errorf("Status() enumerated %d times", reg.enumerations-before)
	}
}

func TestForwardWhileBound(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	sink := NewSink(b, zap.NewNop())

	if got := sink.Forward(0, []byte{0x90, 0x3C, 0x7F}); got != Forwarded {
		t.Fatalf("Forward() = %v, want forwarded", got)
	}

	h := reg.handles[0]
	if len(h.sent) != 1 {
		t.Fatalf("writes = %d, want 1", len(h.sent))
	}
	if fmt.Sprint(h.sent[0]) != fmt.Sprint([]byte{0x90, 0x3C, 0x7F}) {
		t.Errorf("written = % X, want 90 3C 7F", h.sent[0])
	}
}

func TestForwardDropsWhileUnbound(t *testing.T) {
	reg := &fakeRegistry{}
	b := NewBinding(reg, "CH345", zap.NewNop())
	sink := NewSink(b, zap.NewNop())

	for i := 0; i < 5; i++ {
		if got := sink.Forward(time.Millisecond, []int{0x90, 0x3C, 0x7F}); got != Dropped {
			t.Fatalf("Forward() = %v, want dropped", got)
		}
	}
	if len(reg.snapshotTrace()) != 0 {
		t.Errorf("hardware touched while unbound: %v", reg.snapshotTrace())
	}
	if b.Status().Connected() {
		t.Error("forwarding must not change binding state")
	}
	if st := sink.Stats(); st.Dropped != 5 || st.Forwarded != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestForwardMalformed(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	core, logs := observer.New(zapcore.ErrorLevel)
	sink := NewSink(b, zap.New(core))

	if got := sink.Forward(0, "note on"); got != Malformed {
		t.Fatalf("Forward(string) = %v, want malformed", got)
	}
	if len(reg.handles[0].sent) != 0 {
		t.Fatal("malformed payload must not be written")
	}
	if logs.Len() != 1 {
		t.Errorf("logged %d errors, want 1", logs.Len())
	}
	if got := statusJSON(t, b.Status()); got != `{"status":"connected","port":2,"deviceName":"CH345 MIDI 1"}` {
		t.Errorf("Status() = %s, state must be unchanged", got)
	}

	if got := sink.Forward(0, []byte{0x80, 0x3C, 0x00}); got != Forwarded {
		t.Fatalf("Forward() after malformed = %v, want forwarded", got)
	}
	if st := sink.Stats(); st.Malformed != 1 || st.Forwarded != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestForwardWriteFailure(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	reg.handles[0].sendErr = errors.New("device unplugged")
	sink := NewSink(b, zap.NewNop())

	if got := sink.Forward(0, []byte{0xF8}); got != Failed {
		t.Fatalf("Forward() = %v, want failed", got)
	}
	if !b.Status().Connected() {
		t.Error("a failed write must not unbind")
	}
}

func TestConcurrentReconnectAndForward(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	sink := NewSink(b, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if _, err := b.Reconnect(); err != nil {
					t.Errorf("Reconnect() error = %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if got := sink.Forward(0, []byte{0x90, 0x3C, 0x7F}); got == Failed {
					t.Error("forward hit a closed handle")
				}
				_ = b.Status()
			}
		}()
	}
	wg.Wait()

	if reg.maxOpen != 1 {
		t.Errorf("max simultaneously open handles = %d, want 1", reg.maxOpen)
	}
	if reg.open != 1 {
		t.Errorf("open handles = %d, want 1", reg.open)
	}
}

func TestEndpointsDoesNotChangeBinding(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())

	eps, err := b.Endpoints()
	if err != nil {
		t.Fatalf("Endpoints() error = %v", err)
	}
	if len(eps) != 2 {
		t.Errorf("Endpoints() = %v, want 2 entries", eps)
	}
	if b.Status().Connected() {
		t.Error("Endpoints() must not bind")
	}

	reg.enumErr = errors.New("driver gone")
	if _, err := b.Endpoints(); !errors.Is(err, ErrEnumerate) {
		t.Errorf("Endpoints() error = %v, want ErrEnumerate", err)
	}
}

func TestCloseRefusesRebind(t *testing.T) {
	reg := scenarioRegistry()
	b := NewBinding(reg, "CH345", zap.NewNop())
	if _, err := b.Bind(); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	b.Close()
	if b.Status().Connected() {
		t.Fatal("binding still connected after Close")
	}

	reg.resetTrace()
	if _, err := b.Reconnect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Reconnect() after Close error = %v, want ErrClosed", err)
	}
	if _, err := b.Bind(); !errors.Is(err, ErrClosed) {
		t.Errorf("Bind() after Close error = %v, want ErrClosed", err)
	}
	if trace := reg.snapshotTrace(); len(trace) != 0 {
		t.Errorf("closed binding touched hardware: %v", trace)
	}
	if reg.open != 0 {
		t.Errorf("open handles = %d, want 0", reg.open)
	}
	b.Close()
}
