// Package replay implements the replay side: it accepts a capture stream,
// decodes frames, and reproduces the events on a synthetic input device.
package replay

import (
	"fmt"

	"github.com/holoplot/go-evdev"

	"github.com/lierdakil/hoip/internal/logger"
	"github.com/lierdakil/hoip/internal/protocol"
)

const (
	// maxKeyCode covers the whole EV_KEY namespace the device advertises
	// (keyboard keys and mouse/misc buttons).
	maxKeyCode = 559
	// Relative axes: REL_X..REL_MISC, optionally including the
	// high-resolution wheel axes.
	maxRelAxis        = 10
	maxRelAxisHighRes = 12
)

// DeviceConfig describes the synthetic device's identity as seen by the
// replay host's kernel.
type DeviceConfig struct {
	Name           string
	BusType        uint16
	VendorID       uint16
	ProductID      uint16
	ProductVersion uint16
	HighResScroll  bool
}

// DefaultDeviceConfig mirrors an ordinary USB HID identity.
var DefaultDeviceConfig = DeviceConfig{
	Name:           "hoip virtual input",
	BusType:        0x03, // BUS_USB
	VendorID:       1,
	ProductID:      1,
	ProductVersion: 1,
	HighResScroll:  true,
}

// VirtualDevice is a uinput-backed synthetic input device. Capabilities are
// fixed at creation; events are injected in wire order with no reordering
// or coalescing.
type VirtualDevice struct {
	dev    *evdev.InputDevice
	maxRel uint16
}

// NewVirtualDevice creates the uinput device.
func NewVirtualDevice(cfg DeviceConfig) (*VirtualDevice, error) {
	maxRel := uint16(maxRelAxis)
	if cfg.HighResScroll {
		maxRel = maxRelAxisHighRes
	}

	keys := make([]evdev.EvCode, 0, maxKeyCode+1)
	for c := 0; c <= maxKeyCode; c++ {
		keys = append(keys, evdev.EvCode(c))
	}
	rels := make([]evdev.EvCode, 0, maxRel+1)
	for c := 0; c <= int(maxRel); c++ {
		rels = append(rels, evdev.EvCode(c))
	}

	dev, err := evdev.CreateDevice(cfg.Name, evdev.InputID{
		BusType: cfg.BusType,
		Vendor:  cfg.VendorID,
		Product: cfg.ProductID,
		Version: cfg.ProductVersion,
	}, map[evdev.EvType][]evdev.EvCode{
		evdev.EV_KEY: keys,
		evdev.EV_REL: rels,
		// Real keyboards pair every key event with a scancode.
		evdev.EV_MSC: {evdev.MSC_SCAN},
	})
	if err != nil {
		return nil, fmt.Errorf("create virtual device %q: %w", cfg.Name, err)
	}
	logger.Infof("created virtual device %q", cfg.Name)
	return &VirtualDevice{dev: dev, maxRel: maxRel}, nil
}

// Supports reports whether the event falls inside the advertised
// capability set. The replay loop checks this before Inject; an event
// outside the set is surfaced, never silently dropped.
func (v *VirtualDevice) Supports(ev protocol.Event) bool {
	return supportsEvent(ev, v.maxRel)
}

func supportsEvent(ev protocol.Event, maxRel uint16) bool {
	switch evdev.EvType(ev.Type) {
	case evdev.EV_SYN:
		return true
	case evdev.EV_KEY:
		return ev.Code <= maxKeyCode
	case evdev.EV_REL:
		return ev.Code <= maxRel
	case evdev.EV_MSC:
		return ev.Code == uint16(evdev.MSC_SCAN)
	default:
		return false
	}
}

// Inject writes one event to the synthetic device.
func (v *VirtualDevice) Inject(ev protocol.Event) error {
	if err := v.dev.WriteOne(ev.ToEvdev()); err != nil {
		return fmt.Errorf("inject %s: %w", ev, err)
	}
	return nil
}

// Close destroys the synthetic device.
func (v *VirtualDevice) Close() error {
	return v.dev.Close()
}
