package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A prober must pick up unsolicited advertisements sent to the group, not
// just direct answers to its own requests. The group membership is faked
// with a loopback socket so the test needs no multicast routing.
func TestDiscoverHearsAdvertisement(t *testing.T) {
	mc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	orig := listenMulticast
	listenMulticast = func(*net.UDPAddr) (*net.UDPConn, error) { return mc, nil }
	defer func() { listenMulticast = orig }()

	adv, err := net.DialUDP("udp4", nil, mc.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer adv.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		pkt := encodePacket(4242)
		for {
			_, _ = adv.Write(pkt[:])
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	peer, err := Discover(context.Background(), DefaultMulticastAddr,
		50*time.Millisecond, 2*time.Second)
	require.NoError(t, err)

	host, port, err := net.SplitHostPort(peer)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, "4242", port)
}

func TestDiscoverTimesOut(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	orig := listenMulticast
	listenMulticast = func(*net.UDPAddr) (*net.UDPConn, error) { return silent, nil }
	defer func() { listenMulticast = orig }()

	_, err = Discover(context.Background(), DefaultMulticastAddr,
		20*time.Millisecond, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
