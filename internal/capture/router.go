// Package capture implements the capture-side event routing engine: the
// grab/passthrough state machine, multi-device multiplexing, and fan-out to
// remote targets.
package capture

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/holoplot/go-evdev"

	"github.com/lierdakil/hoip/internal/logger"
	"github.com/lierdakil/hoip/internal/magic"
	"github.com/lierdakil/hoip/internal/protocol"
)

// State is the process-wide forwarding state. Grabbing is all-or-nothing
// across the configured device set, never per-device.
type State int

const (
	// StatePassthrough: devices deliver to the local host; events are read
	// for combo detection only, nothing is forwarded.
	StatePassthrough State = iota
	// StateGrabbed: all devices are claimed exclusively and every event
	// (except consumed toggle strokes) goes to the remote targets.
	StateGrabbed
)

func (s State) String() string {
	if s == StateGrabbed {
		return "grabbed"
	}
	return "passthrough"
}

// Device is the router's view of one physical input device.
type Device interface {
	Name() string
	Path() string
	Grab() error
	Ungrab() error
	ReadEvent() (protocol.Event, error)
	Close() error
}

// EventSink receives events destined for one remote target. Send must not
// block: a stalled or broken target must never delay another device's
// stream.
type EventSink interface {
	Send(ev protocol.Event)
}

// Router multiplexes events from a set of devices, runs the magic-combo
// state machine, and fans events out to their assigned sinks.
type Router struct {
	devices []Device
	sinks   []EventSink
	routes  []int // device index -> sink index, fixed at startup
	combo   []uint16

	// mu serializes the detector, the state, and all grab/ungrab calls. A
	// combo can span key events from different devices, so the pressed set
	// and the state machine must be globally consistent: a transition is
	// visible to every reader before any of them forwards another event.
	mu       sync.Mutex
	state    State
	epoch    uint64 // bumped on every state transition
	detector *magic.Detector
	dead     []bool                // hot-unplugged devices, by index
	onWire   []map[uint16]struct{} // per sink: keys pressed on the wire

	wg sync.WaitGroup
}

// NewRouter builds the static routing table. Each device is assigned its
// target at startup: with a single target every device fans into it; with
// matching counts the n-th device maps to the n-th target. Any other
// combination is a configuration error.
func NewRouter(devices []Device, sinks []EventSink, combo []uint16) (*Router, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}
	routes := make([]int, len(devices))
	switch {
	case len(sinks) == 1:
		// all zero
	case len(sinks) == len(devices):
		for i := range routes {
			routes[i] = i
		}
	default:
		return nil, fmt.Errorf("%d devices cannot be routed to %d targets: configure one target, or one target per device",
			len(devices), len(sinks))
	}
	onWire := make([]map[uint16]struct{}, len(sinks))
	for i := range onWire {
		onWire[i] = make(map[uint16]struct{})
	}
	return &Router{
		devices:  devices,
		sinks:    sinks,
		routes:   routes,
		combo:    combo,
		state:    StatePassthrough,
		detector: magic.NewDetector(combo),
		dead:     make([]bool, len(devices)),
		onWire:   onWire,
	}, nil
}

// State returns the current forwarding state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// GrabAll transitions straight to the grabbed state. Used at startup when
// grab-on-start is configured.
func (r *Router) GrabAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateGrabbed {
		return nil
	}
	return r.enterGrabbedLocked()
}

// Run starts one reader per device and blocks until the context is
// cancelled or every device is gone. The devices are always ungrabbed (and
// closed) before Run returns.
func (r *Router) Run(ctx context.Context) error {
	logger.Infof("routing %d device(s) to %d target(s), magic combo %s",
		len(r.devices), len(r.sinks), magic.ComboString(r.combo))

	for i := range r.devices {
		r.wg.Add(1)
		go func(i int) {
			defer r.wg.Done()
			r.readLoop(ctx, i)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}

	r.mu.Lock()
	if r.state == StateGrabbed {
		r.leavePassthroughCleanupLocked()
	}
	r.mu.Unlock()

	// Closing unblocks any reader still parked in a kernel read.
	for _, d := range r.devices {
		_ = d.Close()
	}
	<-done

	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (r *Router) readLoop(ctx context.Context, i int) {
	dev := r.devices[i]
	epoch := r.currentEpoch()
	for {
		ev, err := dev.ReadEvent()
		if err != nil {
			if ctx.Err() == nil {
				r.deviceLost(i, err)
			}
			return
		}
		epoch = r.handleEvent(i, ev, epoch)
	}
}

func (r *Router) currentEpoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// handleEvent runs the detector and forwards the event if appropriate.
// readEpoch is the state epoch the reader last observed before the blocking
// read that produced ev; the return value is the epoch to carry into the
// next read.
func (r *Router) handleEvent(i int, ev protocol.Event, readEpoch uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	dec := r.detector.Observe(ev)
	if dec.Toggle {
		if r.state == StatePassthrough {
			if err := r.enterGrabbedLocked(); err != nil {
				logger.Errorf("grab failed, staying in passthrough: %v", err)
			}
		} else {
			r.leavePassthroughCleanupLocked()
		}
	}
	// An event that was already in flight when the state flipped belongs
	// to the state it was read under: forwarding it now would hand the
	// remote an event the local host already received in passthrough.
	if r.state == StateGrabbed && !dec.Consume && readEpoch == r.epoch {
		r.forwardLocked(i, ev)
	}
	return r.epoch
}

func (r *Router) forwardLocked(i int, ev protocol.Event) {
	sink := r.routes[i]
	if ev.IsKey() {
		if ev.Pressed() {
			r.onWire[sink][ev.Code] = struct{}{}
		} else {
			delete(r.onWire[sink], ev.Code)
		}
	}
	r.sinks[sink].Send(ev)
}

// enterGrabbedLocked grabs every live device in configured order. On any
// failure the already-grabbed devices are released again: the device set is
// either fully grabbed or fully released, never mixed.
func (r *Router) enterGrabbedLocked() error {
	var grabbed []Device
	for i, d := range r.devices {
		if r.dead[i] {
			continue
		}
		if err := d.Grab(); err != nil {
			for _, g := range grabbed {
				if uerr := g.Ungrab(); uerr != nil {
					logger.Warnf("rollback ungrab %s: %v", g.Path(), uerr)
				}
			}
			return fmt.Errorf("grab %s: %w", d.Path(), err)
		}
		grabbed = append(grabbed, d)
	}
	if len(grabbed) == 0 {
		return fmt.Errorf("no devices left to grab")
	}
	r.state = StateGrabbed
	r.epoch++
	logger.Infof("grabbed %d device(s), forwarding to remote", len(grabbed))
	return nil
}

// leavePassthroughCleanupLocked releases every live device best-effort and
// drops to passthrough. An individual ungrab failure is logged, not fatal:
// forwarding is semantically stopped either way.
func (r *Router) leavePassthroughCleanupLocked() {
	for i, d := range r.devices {
		if r.dead[i] {
			continue
		}
		if err := d.Ungrab(); err != nil {
			logger.Warnf("ungrab %s: %v", d.Path(), err)
		}
	}
	r.releaseWireLocked()
	r.state = StatePassthrough
	r.epoch++
	logger.Info("released devices, passthrough to local host")
}

// releaseWireLocked emits synthetic key-ups for everything still pressed on
// the wire. Combo member presses that complete a toggle-off stroke have
// already been forwarded but their releases are consumed locally; the same
// goes for any key held across the transition. Without the key-ups the
// remote keeps those keys stuck down until the connection drops.
func (r *Router) releaseWireLocked() {
	for sink, held := range r.onWire {
		if len(held) == 0 {
			continue
		}
		codes := make([]uint16, 0, len(held))
		for c := range held {
			codes = append(codes, c)
		}
		sort.Slice(codes, func(a, b int) bool { return codes[a] < codes[b] })
		logger.Debugf("releasing %d key(s) left pressed on target %d", len(codes), sink)
		for _, c := range codes {
			r.sinks[sink].Send(protocol.Event{Type: uint16(evdev.EV_KEY), Code: c, Value: 0})
		}
		r.sinks[sink].Send(protocol.Event{Type: uint16(evdev.EV_SYN), Code: uint16(evdev.SYN_REPORT), Value: 0})
		r.onWire[sink] = make(map[uint16]struct{})
	}
}

// deviceLost handles hot-unplug: the condition is fatal for the lost
// device's reader only. A partial grab must not linger, so the remaining
// devices are released and the router drops to passthrough; the lost device
// is marked dead so later grab attempts skip it.
func (r *Router) deviceLost(i int, err error) {
	logger.Errorf("device %s lost: %v", r.devices[i].Path(), err)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead[i] = true
	if r.state == StateGrabbed {
		r.leavePassthroughCleanupLocked()
	}
	// The lost device may have held combo members down; start detection
	// from a clean pressed set so the combo cannot jam.
	r.detector = magic.NewDetector(r.combo)
}
