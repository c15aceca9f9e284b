package capture

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/lierdakil/hoip/internal/logger"
	"github.com/lierdakil/hoip/internal/protocol"
)

// Backoff bounds the reconnect delay of a Sender.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when the config does not override it.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second}

const (
	dialTimeout = 5 * time.Second
	// sendQueue absorbs short bursts between the router and the socket.
	// When the target is slow or gone, events are dropped rather than
	// queued: for interactive HID control a stale backlog of keystrokes
	// is worse than a gap.
	sendQueue = 256
)

// Sender owns the outbound connection to one fixed target. Each target is
// an independent failure domain: a broken or reconnecting target drops its
// own events and never affects other targets or device grab state.
type Sender struct {
	addr    string
	backoff Backoff

	ch       chan protocol.Event
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu        sync.Mutex
	connected bool
}

// NewSender creates a sender for one target address. Run must be called
// before events flow.
func NewSender(addr string, backoff Backoff) *Sender {
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff
	}
	return &Sender{
		addr:    addr,
		backoff: backoff,
		ch:      make(chan protocol.Event, sendQueue),
		stop:    make(chan struct{}),
	}
}

// Addr returns the target address.
func (s *Sender) Addr() string { return s.addr }

// Send queues one event for transmission. Never blocks: events are dropped
// when the sender is disconnected or the queue is full.
func (s *Sender) Send(ev protocol.Event) {
	select {
	case s.ch <- ev:
	default:
		logger.Debugf("target %s: queue full, dropping event", s.addr)
	}
}

// IsConnected reports whether a connection is currently established.
func (s *Sender) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Start launches the connect/send loop.
func (s *Sender) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop terminates the sender and waits for its loop to exit.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

func (s *Sender) run(ctx context.Context) {
	var conn net.Conn
	var buf [protocol.FrameSize]byte

	delay := s.backoff.Initial
	retry := time.After(0) // dial immediately on start

	disconnect := func(err error) {
		logger.Warnf("target %s: connection broken: %v", s.addr, err)
		_ = conn.Close()
		conn = nil
		s.setConnected(false)
		delay = s.backoff.Initial
		retry = time.After(delay)
	}

	defer func() {
		if conn != nil {
			_ = conn.Close()
			s.setConnected(false)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-retry:
			c, err := net.DialTimeout("tcp", s.addr, dialTimeout)
			if err != nil {
				logger.Debugf("target %s: dial failed: %v (retrying in %v)", s.addr, err, delay)
				retry = time.After(delay)
				delay *= 2
				if delay > s.backoff.Max {
					delay = s.backoff.Max
				}
				continue
			}
			conn = c
			retry = nil
			delay = s.backoff.Initial
			// Anything still queued predates this connection; the
			// no-backlog rule applies to it as much as to events dropped
			// while fully disconnected.
		drain:
			for {
				select {
				case <-s.ch:
				default:
					break drain
				}
			}
			s.setConnected(true)
			logger.Infof("target %s: connected", s.addr)
		case ev := <-s.ch:
			if conn == nil {
				// Disconnected: drop. Receivers that join late only see
				// events from the point they (re)connect onward.
				continue
			}
			protocol.PutFrame(buf[:], ev)
			if _, err := conn.Write(buf[:]); err != nil {
				disconnect(err)
			}
		}
	}
}

func (s *Sender) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
