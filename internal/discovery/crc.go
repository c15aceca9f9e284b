package discovery

// crc8 is a table-driven CRC-8 with the 0x9b polynomial, matching the
// checksum carried in discovery packets.
type crc8 [256]byte

func makeCRC8(polynomial byte) *crc8 {
	var table crc8
	crc := byte(0x80)
	for i := 1; i < 256; i <<= 1 {
		if crc&0x80 != 0 {
			crc = crc<<1 ^ polynomial
		} else {
			crc <<= 1
		}
		for j := 0; j < i; j++ {
			table[i+j] = crc ^ table[j]
		}
	}
	return &table
}

var crcTable = makeCRC8(0x9b)

func (t *crc8) sum(data []byte, crc byte) byte {
	for _, b := range data {
		crc = t[crc^b]
	}
	return crc
}
