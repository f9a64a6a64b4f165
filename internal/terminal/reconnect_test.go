package terminal

import (
	"context"
	"sync"
	"testing"
	"time"
)

// manualTimers captures grace callbacks so tests can fire them on demand.
type manualTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, f)
	return time.NewTimer(time.Hour)
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	f := m.fns[i]
	m.mu.Unlock()
	f()
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

func newTestCoordinator(t *testing.T, reg *Registry) (*Coordinator, *manualTimers) {
	t.Helper()
	timers := &manualTimers{}
	c := NewCoordinator(reg, 5*time.Minute, nil)
	c.afterFunc = timers.afterFunc
	t.Cleanup(c.Stop)
	return c, timers
}

func TestDisconnectReason_Abnormal(t *testing.T) {
	tests := []struct {
		reason DisconnectReason
		want   bool
	}{
		{ReasonTransportClose, true},
		{ReasonPingTimeout, true},
		{ReasonLogout, false},
		{ReasonServerShutdown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.Abnormal(); got != tt.want {
				t.Errorf("Abnormal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoordinator_GraceExpiryKillsSession(t *testing.T) {
	clock := newFakeClock()
	spawner := &fakeSpawner{}
	reg := newTestRegistry(spawner, clock, 16)
	coord, timers := newTestCoordinator(t, reg)

	res, _ := reg.Attach(context.Background(), "", "t1", newRecordingSink())
	coord.Disconnected("t1", ReasonTransportClose)

	if res.Session.Attached() {
		t.Fatal("session still attached after disconnect")
	}
	if _, ok := reg.Get(res.Session.ID); !ok {
		t.Fatal("disconnect removed the session")
	}
	if spawner.proc(0).killed.Load() {
		t.Fatal("disconnect killed the shell")
	}
	if timers.count() != 1 || timers.delays[0] != 5*time.Minute {
		t.Fatalf("expected one 5m grace timer, got %v", timers.delays)
	}

	clock.Advance(5 * time.Minute)
	timers.fire(0)

	if _, ok := reg.Get(res.Session.ID); ok {
		t.Error("session still registered after grace expiry")
	}
	if !spawner.proc(0).killed.Load() {
		t.Error("shell not killed after grace expiry")
	}
	if coord.Pending() != 0 {
		t.Errorf("Pending() = %d after firing, want 0", coord.Pending())
	}
}

func TestCoordinator_ReattachBeforeGraceKeepsSession(t *testing.T) {
	clock := newFakeClock()
	spawner := &fakeSpawner{}
	reg := newTestRegistry(spawner, clock, 16)
	coord, timers := newTestCoordinator(t, reg)

	res, _ := reg.Attach(context.Background(), "", "t1", newRecordingSink())
	coord.Disconnected("t1", ReasonPingTimeout)

	clock.Advance(time.Minute)
	if _, err := reg.Attach(context.Background(), res.Session.ID, "t2", newRecordingSink()); err != nil {
		t.Fatalf("reattach failed: %v", err)
	}

	clock.Advance(4 * time.Minute)
	timers.fire(0)

	if _, ok := reg.Get(res.Session.ID); !ok {
		t.Error("reattached session was removed at grace expiry")
	}
	if spawner.proc(0).killed.Load() {
		t.Error("reattached session's shell was killed")
	}
}

func TestCoordinator_ReattachAndLeaveAgain(t *testing.T) {
	clock := newFakeClock()
	spawner := &fakeSpawner{}
	reg := newTestRegistry(spawner, clock, 16)
	coord, timers := newTestCoordinator(t, reg)

	res, _ := reg.Attach(context.Background(), "", "t1", newRecordingSink())
	coord.Disconnected("t1", ReasonTransportClose)

	clock.Advance(time.Minute)
	reg.Attach(context.Background(), res.Session.ID, "t2", newRecordingSink())
	clock.Advance(time.Second)
	coord.Disconnected("t2", ReasonTransportClose)

	// The first timer sees activity after its mark and stands down.
	timers.fire(0)
	if _, ok := reg.Get(res.Session.ID); !ok {
		t.Fatal("stale grace timer removed the session")
	}

	clock.Advance(5 * time.Minute)
	timers.fire(1)
	if _, ok := reg.Get(res.Session.ID); ok {
		t.Error("session survived its own grace expiry")
	}
}

func TestCoordinator_LogoutArmsNoTimer(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := newTestRegistry(spawner, newFakeClock(), 16)
	coord, timers := newTestCoordinator(t, reg)

	res, _ := reg.Attach(context.Background(), "", "t1", newRecordingSink())
	coord.Disconnected("t1", ReasonLogout)

	if timers.count() != 0 {
		t.Errorf("logout armed %d timers, want 0", timers.count())
	}
	if _, ok := reg.Get(res.Session.ID); !ok {
		t.Error("logout removed the session")
	}
	if spawner.proc(0).killed.Load() {
		t.Error("logout killed the shell")
	}
}

func TestCoordinator_UnknownTransport(t *testing.T) {
	reg := newTestRegistry(&fakeSpawner{}, newFakeClock(), 16)
	coord, timers := newTestCoordinator(t, reg)

	coord.Disconnected("nobody", ReasonTransportClose)
	if timers.count() != 0 {
		t.Errorf("unknown transport armed %d timers", timers.count())
	}
}

func TestCoordinator_RealTimer(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := NewRegistry(spawner, RegistryConfig{MaxBacklog: 16}, nil, nil)
	coord := NewCoordinator(reg, 20*time.Millisecond, nil)
	defer coord.Stop()

	res, _ := reg.Attach(context.Background(), "", "t1", newRecordingSink())
	coord.Disconnected("t1", ReasonTransportClose)

	if !waitFor(func() bool { _, ok := reg.Get(res.Session.ID); return !ok }) {
		t.Fatal("session not reclaimed after the grace window")
	}
	if !spawner.proc(0).killed.Load() {
		t.Error("shell not killed")
	}
}
