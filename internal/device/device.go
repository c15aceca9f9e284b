// Package device wraps kernel input devices on the capture side: identity
// resolution, exclusive grab, and blocking event reads.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holoplot/go-evdev"

	"github.com/lierdakil/hoip/internal/protocol"
)

var (
	// ErrNotFound means no input device matched the requested identity.
	ErrNotFound = errors.New("device not found")
	// ErrClosed is returned for reads on a closed handle.
	ErrClosed = errors.New("device closed")
)

// candidate is one enumerated device, with lazily-read identity fields.
type candidate struct {
	path string
	name string
	uniq string
}

// enumerate lists candidates. Swapped out in tests.
var enumerate = enumerateEvdev

func enumerateEvdev() ([]candidate, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}
	out := make([]candidate, 0, len(paths))
	for _, p := range paths {
		c := candidate{path: p.Path, name: p.Name}
		if d, err := evdev.Open(p.Path); err == nil {
			c.uniq, _ = d.UniqueID()
			_ = d.Close()
		}
		out = append(out, c)
	}
	return out, nil
}

// Resolve maps a device identity (path, reported name, or unique id) to a
// device node path. Resolution happens once at startup; identities are not
// re-resolved at runtime.
func Resolve(identity string) (string, error) {
	candidates, err := enumerate()
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if c.path == identity || c.name == identity {
			return c.path, nil
		}
	}
	for _, c := range candidates {
		if c.uniq != "" && c.uniq == identity {
			return c.path, nil
		}
	}
	return "", fmt.Errorf("%q: %w", identity, ErrNotFound)
}

// Handle owns one open input device. At most one handle exists per physical
// device per process; the capture command enforces this by deduplicating
// resolved paths.
type Handle struct {
	dev  *evdev.InputDevice
	path string
	name string

	mu      sync.Mutex
	grabbed bool
	closed  bool
}

// Open resolves an identity and opens the underlying device node.
func Open(identity string) (*Handle, error) {
	path, err := Resolve(identity)
	if err != nil {
		return nil, err
	}
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	name, _ := dev.Name()
	return &Handle{dev: dev, path: path, name: name}, nil
}

// Path returns the device node path.
func (h *Handle) Path() string { return h.path }

// Name returns the device's reported name.
func (h *Handle) Name() string { return h.name }

// Grab claims the device exclusively: until Ungrab, no other process --
// including the local session -- receives its events.
func (h *Handle) Grab() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.grabbed {
		return fmt.Errorf("%s: already grabbed", h.path)
	}
	if err := h.dev.Grab(); err != nil {
		return fmt.Errorf("grab %s: %w", h.path, err)
	}
	h.grabbed = true
	return nil
}

// Ungrab releases an exclusive grab.
func (h *Handle) Ungrab() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.grabbed {
		return nil
	}
	h.grabbed = false
	if err := h.dev.Ungrab(); err != nil {
		return fmt.Errorf("ungrab %s: %w", h.path, err)
	}
	return nil
}

// Grabbed reports whether the handle currently holds an exclusive grab.
func (h *Handle) Grabbed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grabbed
}

// ReadEvent blocks until the next kernel event. Errors after hot-unplug or
// Close are terminal for this handle.
func (h *Handle) ReadEvent() (protocol.Event, error) {
	ev, err := h.dev.ReadOne()
	if err != nil {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return protocol.Event{}, ErrClosed
		}
		return protocol.Event{}, fmt.Errorf("read %s: %w", h.path, err)
	}
	return protocol.FromEvdev(ev), nil
}

// Close releases the device. The kernel drops any grab held on the
// descriptor, so a grabbed device never outlives the process.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.grabbed = false
	return h.dev.Close()
}
