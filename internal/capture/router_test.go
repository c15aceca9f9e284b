package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lierdakil/hoip/internal/protocol"
)

const (
	keyCtrl  = uint16(evdev.KEY_LEFTCTRL)
	keyShift = uint16(evdev.KEY_LEFTSHIFT)
	keyF12   = uint16(evdev.KEY_F12)
	keyA     = uint16(evdev.KEY_A)
)

var testCombo = []uint16{keyCtrl, keyShift, keyF12}

type fakeDevice struct {
	name   string
	events chan protocol.Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	grabbed bool
	closed  bool
	grabErr error
	grabs   int
	ungrabs int
}

func newFakeDevice(name string) *fakeDevice {
	return &fakeDevice{
		name:   name,
		events: make(chan protocol.Event, 64),
		done:   make(chan struct{}),
	}
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Path() string { return "/dev/input/" + d.name }

func (d *fakeDevice) Grab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grabs++
	if d.closed {
		// An unplugged or closed node behaves like the real thing.
		return errors.New("ENODEV")
	}
	if d.grabErr != nil {
		return d.grabErr
	}
	d.grabbed = true
	return nil
}

func (d *fakeDevice) Ungrab() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ungrabs++
	if d.closed {
		return errors.New("ENODEV")
	}
	d.grabbed = false
	return nil
}

func (d *fakeDevice) ReadEvent() (protocol.Event, error) {
	select {
	case ev := <-d.events:
		return ev, nil
	case <-d.done:
		return protocol.Event{}, errors.New("device removed")
	}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.grabbed = false
	d.mu.Unlock()
	d.once.Do(func() { close(d.done) })
	return nil
}

func (d *fakeDevice) isGrabbed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grabbed
}

func (d *fakeDevice) grabCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grabs
}

func (d *fakeDevice) ungrabCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ungrabs
}

func (d *fakeDevice) push(ev protocol.Event) { d.events <- ev }

type fakeSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *fakeSink) Send(ev protocol.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func keyEv(code uint16, value int32) protocol.Event {
	return protocol.Event{Type: uint16(evdev.EV_KEY), Code: code, Value: value}
}

func relEv(value int32) protocol.Event {
	return protocol.Event{Type: uint16(evdev.EV_REL), Code: 0, Value: value}
}

func synEv() protocol.Event {
	return protocol.Event{Type: uint16(evdev.EV_SYN), Code: uint16(evdev.SYN_REPORT), Value: 0}
}

// waitDrained blocks until every pushed event has been picked up by its
// device's reader.
func waitDrained(t *testing.T, devs ...*fakeDevice) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, d := range devs {
			if len(d.events) > 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

// startRouter runs the router in the background and returns a cancel+wait
// helper.
func startRouter(t *testing.T, r *Router) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("router did not shut down")
		}
	}
}

func pushCombo(dev *fakeDevice, value int32) {
	dev.push(keyEv(keyCtrl, value))
	dev.push(keyEv(keyShift, value))
	dev.push(keyEv(keyF12, value))
}

func TestRoutingTable(t *testing.T) {
	dev := func(n int) []Device {
		out := make([]Device, n)
		for i := range out {
			out[i] = newFakeDevice(fmt.Sprintf("event%d", i))
		}
		return out
	}
	sink := func(n int) []EventSink {
		out := make([]EventSink, n)
		for i := range out {
			out[i] = &fakeSink{}
		}
		return out
	}

	t.Run("fan-in to one target", func(t *testing.T) {
		r, err := NewRouter(dev(3), sink(1), testCombo)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 0, 0}, r.routes)
	})

	t.Run("one to one", func(t *testing.T) {
		r, err := NewRouter(dev(2), sink(2), testCombo)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1}, r.routes)
	})

	t.Run("mismatched counts rejected", func(t *testing.T) {
		_, err := NewRouter(dev(3), sink(2), testCombo)
		assert.Error(t, err)
	})

	t.Run("no devices rejected", func(t *testing.T) {
		_, err := NewRouter(nil, sink(1), testCombo)
		assert.Error(t, err)
	})

	t.Run("no targets rejected", func(t *testing.T) {
		_, err := NewRouter(dev(1), nil, testCombo)
		assert.Error(t, err)
	})
}

func TestToggleGrabsAndForwards(t *testing.T) {
	kbd := newFakeDevice("kbd")
	mouse := newFakeDevice("mouse")
	sink := &fakeSink{}
	r, err := NewRouter([]Device{kbd, mouse}, []EventSink{sink}, testCombo)
	require.NoError(t, err)
	stop := startRouter(t, r)
	defer stop()

	// Passthrough: events are observed but never forwarded, even if one is
	// still in flight when another device's combo flips the state.
	kbd.push(keyEv(keyA, 1))
	kbd.push(keyEv(keyA, 0))
	mouse.push(relEv(-3))
	waitDrained(t, kbd, mouse)

	// Magic combo toggles to grabbed.
	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StateGrabbed },
		time.Second, time.Millisecond)
	assert.True(t, kbd.isGrabbed())
	assert.True(t, mouse.isGrabbed())
	// Neither the pre-toggle events nor the combo key-downs hit the wire.
	assert.Empty(t, sink.snapshot())

	// The combo key-ups are part of the toggle stroke and must not leak.
	pushCombo(kbd, 0)

	// Subsequent events are forwarded.
	kbd.push(keyEv(keyA, 1))
	kbd.push(keyEv(keyA, 0))
	require.Eventually(t, func() bool { return sink.count() == 2 },
		time.Second, time.Millisecond)
	got := sink.snapshot()
	assert.Equal(t, keyEv(keyA, 1), got[0])
	assert.Equal(t, keyEv(keyA, 0), got[1])
}

func TestToggleBackUngrabs(t *testing.T) {
	kbd := newFakeDevice("kbd")
	sink := &fakeSink{}
	r, err := NewRouter([]Device{kbd}, []EventSink{sink}, testCombo)
	require.NoError(t, err)
	stop := startRouter(t, r)
	defer stop()

	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StateGrabbed },
		time.Second, time.Millisecond)
	pushCombo(kbd, 0)

	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StatePassthrough },
		time.Second, time.Millisecond)
	assert.False(t, kbd.isGrabbed())
	pushCombo(kbd, 0)

	// The ctrl/shift presses of the second combo happened while grabbed and
	// before the stroke completed, so they went to the wire like any other
	// key. Their releases are consumed locally, so the toggle emits
	// synthetic key-ups (plus a report) to keep the remote's keyboard state
	// consistent.
	want := []protocol.Event{
		keyEv(keyCtrl, 1), keyEv(keyShift, 1),
		keyEv(keyCtrl, 0), keyEv(keyShift, 0), synEv(),
	}
	require.Eventually(t, func() bool { return sink.count() == len(want) },
		time.Second, time.Millisecond)
	assert.Equal(t, want, sink.snapshot())
}

func TestToggleBackReleasesHeldKeys(t *testing.T) {
	kbd := newFakeDevice("kbd")
	sink := &fakeSink{}
	r, err := NewRouter([]Device{kbd}, []EventSink{sink}, testCombo)
	require.NoError(t, err)
	stop := startRouter(t, r)
	defer stop()

	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StateGrabbed },
		time.Second, time.Millisecond)
	pushCombo(kbd, 0)

	// Hold an ordinary key across the toggle-off; its release never makes
	// it to the wire, so the router must synthesize one.
	kbd.push(keyEv(keyA, 1))
	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StatePassthrough },
		time.Second, time.Millisecond)

	want := []protocol.Event{
		keyEv(keyA, 1), keyEv(keyCtrl, 1), keyEv(keyShift, 1),
		// Synthetic releases, in code order (ctrl=29, a=30, shift=42).
		keyEv(keyCtrl, 0), keyEv(keyA, 0), keyEv(keyShift, 0), synEv(),
	}
	require.Eventually(t, func() bool { return sink.count() == len(want) },
		time.Second, time.Millisecond)
	assert.Equal(t, want, sink.snapshot())
}

func TestGrabFailureRollsBack(t *testing.T) {
	kbd := newFakeDevice("kbd")
	mouse := newFakeDevice("mouse")
	mouse.grabErr = errors.New("EBUSY")
	sink := &fakeSink{}
	r, err := NewRouter([]Device{kbd, mouse}, []EventSink{sink}, testCombo)
	require.NoError(t, err)
	stop := startRouter(t, r)
	defer stop()

	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return kbd.ungrabCount() >= 1 },
		time.Second, time.Millisecond)

	// Either all devices are grabbed or none: the failed transition rolled
	// the first grab back and stayed in passthrough.
	assert.Equal(t, StatePassthrough, r.State())
	assert.False(t, kbd.isGrabbed())
	assert.False(t, mouse.isGrabbed())

	// The router keeps running; the user can retry once the target device
	// frees up.
	mouse.mu.Lock()
	mouse.grabErr = nil
	mouse.mu.Unlock()
	pushCombo(kbd, 0)
	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StateGrabbed },
		time.Second, time.Millisecond)
}

func TestPerDeviceOrderPreserved(t *testing.T) {
	kbd := newFakeDevice("kbd")
	mouse := newFakeDevice("mouse")
	sink := &fakeSink{}
	r, err := NewRouter([]Device{kbd, mouse}, []EventSink{sink}, testCombo)
	require.NoError(t, err)
	require.NoError(t, r.GrabAll())
	stop := startRouter(t, r)
	defer stop()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			kbd.push(protocol.Event{Type: uint16(evdev.EV_KEY), Code: keyA, Value: int32(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			mouse.push(protocol.Event{Type: uint16(evdev.EV_REL), Code: 1, Value: int32(i)})
		}
	}()
	wg.Wait()

	require.Eventually(t, func() bool { return sink.count() == 2*n },
		2*time.Second, time.Millisecond)

	// Interleaving across devices is unspecified, but each device's own
	// order must survive intact.
	var kbdVals, mouseVals []int32
	for _, ev := range sink.snapshot() {
		switch evdev.EvType(ev.Type) {
		case evdev.EV_KEY:
			kbdVals = append(kbdVals, ev.Value)
		case evdev.EV_REL:
			mouseVals = append(mouseVals, ev.Value)
		}
	}
	require.Len(t, kbdVals, n)
	require.Len(t, mouseVals, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, int32(i), kbdVals[i])
		assert.Equal(t, int32(i), mouseVals[i])
	}
}

func TestOneTargetPerDevice(t *testing.T) {
	kbd := newFakeDevice("kbd")
	mouse := newFakeDevice("mouse")
	sinkA := &fakeSink{}
	sinkB := &fakeSink{}
	r, err := NewRouter([]Device{kbd, mouse}, []EventSink{sinkA, sinkB}, testCombo)
	require.NoError(t, err)
	require.NoError(t, r.GrabAll())
	stop := startRouter(t, r)
	defer stop()

	kbd.push(keyEv(keyA, 1))
	mouse.push(relEv(7))
	mouse.push(relEv(8))

	require.Eventually(t, func() bool { return sinkA.count() == 1 && sinkB.count() == 2 },
		time.Second, time.Millisecond)
	assert.Equal(t, []protocol.Event{keyEv(keyA, 1)}, sinkA.snapshot())
	assert.Equal(t, []protocol.Event{relEv(7), relEv(8)}, sinkB.snapshot())
}

func TestDeviceRemovalReleasesRemaining(t *testing.T) {
	kbd := newFakeDevice("kbd")
	mouse := newFakeDevice("mouse")
	sink := &fakeSink{}
	r, err := NewRouter([]Device{kbd, mouse}, []EventSink{sink}, testCombo)
	require.NoError(t, err)
	stop := startRouter(t, r)
	defer stop()

	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StateGrabbed },
		time.Second, time.Millisecond)

	// Hot-unplug the mouse: its reader dies, but the process keeps going
	// and the keyboard must not stay half-grabbed.
	_ = mouse.Close()
	require.Eventually(t, func() bool { return r.State() == StatePassthrough },
		time.Second, time.Millisecond)
	assert.False(t, kbd.isGrabbed())

	// The surviving device can still toggle back in: the dead node, whose
	// Grab now fails like a removed evdev node's would, must be skipped
	// rather than fail the whole transition.
	grabsBefore := mouse.grabCount()
	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StateGrabbed },
		time.Second, time.Millisecond)
	assert.True(t, kbd.isGrabbed())
	assert.Equal(t, grabsBefore, mouse.grabCount())
}

func TestShutdownUngrabs(t *testing.T) {
	kbd := newFakeDevice("kbd")
	sink := &fakeSink{}
	r, err := NewRouter([]Device{kbd}, []EventSink{sink}, testCombo)
	require.NoError(t, err)
	stop := startRouter(t, r)

	pushCombo(kbd, 1)
	require.Eventually(t, func() bool { return r.State() == StateGrabbed },
		time.Second, time.Millisecond)

	stop()
	assert.False(t, kbd.isGrabbed())
}
