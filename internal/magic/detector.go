// Package magic implements the toggle-combo detector. A configured set of
// key/button codes, all held at once, toggles the capture router between
// passthrough and grabbed.
package magic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/holoplot/go-evdev"

	"github.com/lierdakil/hoip/internal/protocol"
)

// Decision is the detector's verdict on one observed event.
type Decision struct {
	// Toggle is set on the rising edge: the observed event made the
	// pressed set a superset of the combo.
	Toggle bool
	// Consume marks events that belong to the toggle stroke itself. They
	// must not be forwarded: leaking the combo to the active side would
	// type the release combo into whichever host has focus.
	Consume bool
}

// Detector tracks which combo members are currently pressed. It is not safe
// for concurrent use; the capture router serializes all observations.
type Detector struct {
	combo   map[uint16]struct{}
	pressed map[uint16]struct{}
	// armed is true while the pressed set has been below the full combo
	// since the last edge. Prevents repeat-fire while the combo is held.
	armed bool
	// draining is true from an edge until every combo member is released.
	// Member events seen while draining are part of the toggle stroke.
	draining bool
}

// NewDetector builds a detector for the given combo codes. The combo is
// fixed for the detector's lifetime.
func NewDetector(codes []uint16) *Detector {
	combo := make(map[uint16]struct{}, len(codes))
	for _, c := range codes {
		combo[c] = struct{}{}
	}
	return &Detector{
		combo:   combo,
		pressed: make(map[uint16]struct{}, len(codes)),
		armed:   true,
	}
}

// Observe feeds one event through the detector. Non-key events and keys
// outside the combo are never toggles and never consumed.
func (d *Detector) Observe(ev protocol.Event) Decision {
	if !ev.IsKey() {
		return Decision{}
	}
	if _, ok := d.combo[ev.Code]; !ok {
		return Decision{}
	}

	if ev.Pressed() {
		d.pressed[ev.Code] = struct{}{}
	} else {
		delete(d.pressed, ev.Code)
	}

	var dec Decision
	if d.armed && len(d.pressed) == len(d.combo) {
		d.armed = false
		d.draining = true
		dec.Toggle = true
	}
	if !d.armed && len(d.pressed) < len(d.combo) {
		d.armed = true
	}
	if d.draining {
		dec.Consume = true
		if len(d.pressed) == 0 {
			d.draining = false
		}
	}
	return dec
}

// ParseCombo resolves combo key names ("KEY_LEFTCTRL", "BTN_LEFT") or
// numeric codes into event codes.
func ParseCombo(keys []string) ([]uint16, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("magic combo is empty")
	}
	codes := make([]uint16, 0, len(keys))
	seen := make(map[uint16]struct{}, len(keys))
	for _, k := range keys {
		code, err := parseKey(k)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("duplicate magic key %q", k)
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func parseKey(k string) (uint16, error) {
	name := strings.ToUpper(strings.TrimSpace(k))
	if code, ok := evdev.KEYFromString[name]; ok {
		return uint16(code), nil
	}
	if n, err := strconv.ParseUint(name, 0, 16); err == nil {
		return uint16(n), nil
	}
	return 0, fmt.Errorf("unknown key %q (expected a KEY_*/BTN_* name or a numeric code)", k)
}

// ComboString renders combo codes back to names for logging.
func ComboString(codes []uint16) string {
	names := make([]string, 0, len(codes))
	for _, c := range codes {
		if name, ok := evdev.KEYToString[evdev.EvCode(c)]; ok {
			names = append(names, name)
		} else {
			names = append(names, strconv.Itoa(int(c)))
		}
	}
	sort.Strings(names)
	return strings.Join(names, "+")
}
