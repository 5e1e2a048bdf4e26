package conn

import "encoding/binary"

// writePacketNumberPrefix and readPacketNumberPrefix implement the
// cleartext packet-number prefix that precedes every encrypted payload on
// the wire (spec.md §6: "Packet number on the wire is the low 16 bits
// (default); an extended field is present in connect/connect-ok packets
// only"). The crypto layer's AEAD needs the full packet number to build
// its IV before the payload itself can be decrypted, so this prefix
// travels outside the ciphertext, the same way a QUIC short header
// carries its packet number outside the protected payload.
func writePacketNumberPrefix(pktNum uint64, wide bool) []byte {
	if wide {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(pktNum))
		return b
	}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(pktNum))
	return b
}

func readPacketNumberPrefix(buf []byte, wide bool) (wireBits uint64, rest []byte, ok bool) {
	n := 2
	if wide {
		n = 4
	}
	if len(buf) < n {
		return 0, nil, false
	}
	if wide {
		return uint64(binary.LittleEndian.Uint32(buf[:4])), buf[4:], true
	}
	return uint64(binary.LittleEndian.Uint16(buf[:2])), buf[2:], true
}
