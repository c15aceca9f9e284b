package discovery

import "encoding/binary"

// Discovery packets are 7 bytes: the "HOIP" prefix, a big-endian TCP port,
// and a CRC-8 over the first six bytes. Port zero marks a request; a
// response carries the responder's listen port.
const packetSize = 7

var packetPrefix = [4]byte{'H', 'O', 'I', 'P'}

// encodePacket builds a discovery packet for the given port.
func encodePacket(port uint16) [packetSize]byte {
	var pkt [packetSize]byte
	copy(pkt[:4], packetPrefix[:])
	binary.BigEndian.PutUint16(pkt[4:6], port)
	pkt[6] = crcTable.sum(pkt[:6], 0)
	return pkt
}

// decodePacket validates prefix, length and CRC. Returns the carried port.
func decodePacket(buf []byte) (port uint16, ok bool) {
	if len(buf) != packetSize {
		return 0, false
	}
	if [4]byte(buf[:4]) != packetPrefix {
		return 0, false
	}
	if crcTable.sum(buf[:6], 0) != buf[6] {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf[4:6]), true
}

func isRequest(port uint16) bool { return port == 0 }
