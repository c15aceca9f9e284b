package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameSize is the size of one wire frame in bytes. Frames are fixed-size
// records concatenated on the stream: there is no length prefix and no
// message type, so a reader stays in sync by byte count alone. Any stray
// byte permanently desyncs the connection; the only recovery is reconnect.
const FrameSize = 24

// PutFrame encodes an event into buf, which must be at least FrameSize
// bytes. All fields are big-endian.
func PutFrame(buf []byte, ev Event) {
	binary.BigEndian.PutUint16(buf[0:2], ev.Type)
	binary.BigEndian.PutUint16(buf[2:4], ev.Code)
	binary.BigEndian.PutUint32(buf[4:8], uint32(ev.Value))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ev.Sec))
	binary.BigEndian.PutUint64(buf[16:24], uint64(ev.Usec))
}

// ParseFrame decodes one frame from buf, which must be at least FrameSize
// bytes.
func ParseFrame(buf []byte) Event {
	return Event{
		Type:  binary.BigEndian.Uint16(buf[0:2]),
		Code:  binary.BigEndian.Uint16(buf[2:4]),
		Value: int32(binary.BigEndian.Uint32(buf[4:8])),
		Sec:   int64(binary.BigEndian.Uint64(buf[8:16])),
		Usec:  int64(binary.BigEndian.Uint64(buf[16:24])),
	}
}

// WriteFrame writes one event as a whole frame. net.Conn retries partial
// writes internally, so a nil return means the full record was sent.
func WriteFrame(w io.Writer, ev Event) error {
	var buf [FrameSize]byte
	PutFrame(buf[:], ev)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame. A clean EOF on the frame boundary is
// returned as io.EOF; a partial frame surfaces as io.ErrUnexpectedEOF.
// Either way the caller must treat the stream as finished -- there is no
// partial-frame recovery.
func ReadFrame(r io.Reader) (Event, error) {
	var buf [FrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Event{}, err
	}
	return ParseFrame(buf[:]), nil
}
