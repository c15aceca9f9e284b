package replay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/holoplot/go-evdev"

	"github.com/lierdakil/hoip/internal/logger"
	"github.com/lierdakil/hoip/internal/protocol"
)

// Injector is the loop's view of the virtual device.
type Injector interface {
	Supports(ev protocol.Event) bool
	Inject(ev protocol.Event) error
}

// Loop accepts one connection at a time, decodes frames, and injects them.
// When a stream ends it returns to listening for the next connection.
type Loop struct {
	listen string
	inj    Injector

	mu        sync.Mutex
	ln        net.Listener
	conn      net.Conn // active stream, nil while waiting
	onWaiting func()
}

// NewLoop creates a replay loop listening on addr.
func NewLoop(addr string, inj Injector) *Loop {
	return &Loop{listen: addr, inj: inj}
}

// OnWaiting registers a callback invoked each time the loop starts waiting
// for a connection. The replay command hooks discovery advertisement here;
// must be set before Run.
func (l *Loop) OnWaiting(fn func()) {
	l.onWaiting = fn
}

// Addr returns the bound listen address, or nil before Run.
func (l *Loop) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Run listens until the context is cancelled. One stream is served at a
// time; a second connection attempt waits in the kernel backlog until the
// current stream drops.
func (l *Loop) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.listen)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	logger.Infof("listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		// The capture side holds its connection open indefinitely, so an
		// active stream must be cut too or Run never returns.
		l.mu.Lock()
		_ = ln.Close()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Unlock()
	}()

	for {
		if l.onWaiting != nil {
			l.onWaiting()
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Infof("accepted connection from %s", conn.RemoteAddr())
		l.mu.Lock()
		if ctx.Err() != nil {
			// Cancelled between Accept and here; the closer has already
			// run, so it is on us to cut the stream.
			_ = conn.Close()
		}
		l.conn = conn
		l.mu.Unlock()
		l.serve(conn)
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		logger.Info("resumed listening")
	}
}

// serve consumes one stream. Any decode problem -- truncated frame, stream
// reset, plain EOF -- ends the stream; there is no partial-frame recovery,
// the peer reconnects instead.
func (l *Loop) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	pressed := make(map[uint16]struct{})
	defer l.releaseHeld(pressed)

	for {
		ev, err := protocol.ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Infof("connection from %s closed", conn.RemoteAddr())
			case errors.Is(err, io.ErrUnexpectedEOF):
				logger.Warnf("connection from %s dropped mid-frame, discarding partial data", conn.RemoteAddr())
			default:
				logger.Warnf("connection from %s lost: %v", conn.RemoteAddr(), err)
			}
			return
		}

		if !l.inj.Supports(ev) {
			logger.Warnf("event outside device capabilities, skipping: %s", ev)
			continue
		}
		if ev.IsKey() {
			if ev.Pressed() {
				pressed[ev.Code] = struct{}{}
			} else {
				delete(pressed, ev.Code)
			}
		}
		if err := l.inj.Inject(ev); err != nil {
			// A single failed injection must not terminate the session.
			logger.Errorf("inject failed: %v", err)
		}
	}
}

// releaseHeld emits key-up events for everything the stream left pressed,
// so a mid-press disconnect cannot leave a key stuck down on the replay
// host.
func (l *Loop) releaseHeld(pressed map[uint16]struct{}) {
	if len(pressed) == 0 {
		return
	}
	logger.Infof("releasing %d key(s) held at disconnect", len(pressed))
	for code := range pressed {
		up := protocol.Event{Type: uint16(evdev.EV_KEY), Code: code, Value: 0}
		if err := l.inj.Inject(up); err != nil {
			logger.Errorf("release %d: %v", code, err)
		}
	}
	syn := protocol.Event{Type: uint16(evdev.EV_SYN), Code: uint16(evdev.SYN_REPORT), Value: 0}
	if err := l.inj.Inject(syn); err != nil {
		logger.Errorf("sync after release: %v", err)
	}
}
