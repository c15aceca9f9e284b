// Package protocol defines the input event record shared by both sides of
// the wire and its fixed-size binary framing.
package protocol

import (
	"fmt"
	"syscall"

	"github.com/holoplot/go-evdev"
)

// Event mirrors the kernel input_event record. The payload is opaque: apart
// from key press/release bookkeeping, events are carried byte-for-byte.
type Event struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// FromEvdev converts a device event into its wire representation.
func FromEvdev(ev *evdev.InputEvent) Event {
	return Event{
		Sec:   ev.Time.Sec,
		Usec:  ev.Time.Usec,
		Type:  uint16(ev.Type),
		Code:  uint16(ev.Code),
		Value: ev.Value,
	}
}

// ToEvdev converts a decoded wire event back into a device event.
func (e Event) ToEvdev() *evdev.InputEvent {
	return &evdev.InputEvent{
		Time:  syscall.Timeval{Sec: e.Sec, Usec: e.Usec},
		Type:  evdev.EvType(e.Type),
		Code:  evdev.EvCode(e.Code),
		Value: e.Value,
	}
}

// IsKey reports whether the event is a key or button event. Key and button
// codes share the EV_KEY namespace.
func (e Event) IsKey() bool {
	return e.Type == uint16(evdev.EV_KEY)
}

// Pressed reports whether a key event is a press or autorepeat. Release is
// the transition of Value to zero.
func (e Event) Pressed() bool {
	return e.Value != 0
}

func (e Event) String() string {
	return fmt.Sprintf("type=%s code=%d value=%d",
		evdev.TypeName(evdev.EvType(e.Type)), e.Code, e.Value)
}
