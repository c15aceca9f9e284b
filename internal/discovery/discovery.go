// Package discovery implements LAN peer discovery over UDP multicast. A
// capture side with no configured targets broadcasts requests; replay sides
// answer with the port their TCP listener is bound to.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lierdakil/hoip/internal/logger"
)

// DefaultMulticastAddr is the discovery rendezvous group.
const DefaultMulticastAddr = "224.0.0.83:27056"

// ErrTimeout is returned when no peer answered within the probe window.
var ErrTimeout = errors.New("discovery timed out")

// listenMulticast joins the group. Swapped out in tests.
var listenMulticast = func(group *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenMulticastUDP("udp4", nil, group)
}

// Responder answers discovery requests on behalf of a replay listener.
type Responder struct {
	conn  *net.UDPConn
	group *net.UDPAddr
	port  uint16
}

// NewResponder joins the multicast group and prepares to advertise the
// given TCP listen port.
func NewResponder(multicast string, port uint16) (*Responder, error) {
	group, err := net.ResolveUDPAddr("udp4", multicast)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", multicast, err)
	}
	conn, err := listenMulticast(group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", group, err)
	}
	return &Responder{conn: conn, group: group, port: port}, nil
}

// Close leaves the multicast group.
func (r *Responder) Close() error {
	return r.conn.Close()
}

// Serve answers requests until the context is cancelled.
func (r *Responder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = r.conn.Close()
	}()

	buf := make([]byte, 64)
	reply := encodePacket(r.port)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read discovery request: %w", err)
		}
		port, ok := decodePacket(buf[:n])
		if !ok || !isRequest(port) {
			continue
		}
		logger.Debugf("discovery request from %s", src.IP)
		if _, err := r.conn.WriteToUDP(reply[:], src); err != nil {
			logger.Warnf("discovery response to %s: %v", src, err)
		}
	}
}

// Advertise broadcasts one unsolicited response to the group, so probers
// that are already waiting learn about this peer without a fresh request.
func (r *Responder) Advertise() {
	pkt := encodePacket(r.port)
	if _, err := r.conn.WriteToUDP(pkt[:], r.group); err != nil {
		logger.Warnf("discovery advertisement: %v", err)
	}
}

// Discover probes the group until a peer answers or the timeout elapses.
// Returns the peer's TCP address. Responses arrive two ways: unicast
// answers to our requests, and unsolicited advertisements multicast to the
// group, so the prober listens on both an ephemeral socket and a group
// membership.
func Discover(ctx context.Context, multicast string, period, timeout time.Duration) (string, error) {
	group, err := net.ResolveUDPAddr("udp4", multicast)
	if err != nil {
		return "", fmt.Errorf("resolve multicast group %q: %w", multicast, err)
	}
	uni, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return "", fmt.Errorf("bind discovery socket: %w", err)
	}
	defer func() { _ = uni.Close() }()

	mc, err := listenMulticast(group)
	if err != nil {
		logger.Warnf("cannot join %s, relying on direct responses only: %v", group, err)
		mc = nil
	} else {
		defer func() { _ = mc.Close() }()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = uni.SetReadDeadline(time.Now())
		if mc != nil {
			_ = mc.SetReadDeadline(time.Now())
		}
	}()

	request := encodePacket(0)
	send := func() {
		if _, err := uni.WriteToUDP(request[:], group); err != nil {
			logger.Debugf("discovery request: %v", err)
		}
	}
	send()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}()

	type answer struct {
		peer string
		err  error
	}
	readers := 1
	results := make(chan answer, 2)
	recv := func(conn *net.UDPConn) {
		buf := make([]byte, 64)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					err = ErrTimeout
				}
				results <- answer{err: err}
				return
			}
			port, ok := decodePacket(buf[:n])
			if !ok || isRequest(port) {
				continue
			}
			results <- answer{peer: net.JoinHostPort(src.IP.String(), strconv.Itoa(int(port)))}
			return
		}
	}
	go recv(uni)
	if mc != nil {
		readers = 2
		go recv(mc)
	}

	var firstErr error
	for i := 0; i < readers; i++ {
		a := <-results
		if a.err == nil {
			logger.Infof("discovered peer %s", a.peer)
			return a.peer, nil
		}
		if firstErr == nil {
			firstErr = a.err
		}
	}
	return "", firstErr
}
