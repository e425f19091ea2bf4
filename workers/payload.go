package workers

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Lock payloads carry a 16-byte trace id, a big-endian u16 description
// length, the UTF-8 description, then an opaque tail.
const payloadHeader = 16 + 2

func EncodePayload(traceID uuid.UUID, description string, tail []byte) []byte {
	desc := []byte(description)
	if len(desc) > 0xffff {
		desc = desc[:0xffff]
	}
	out := make([]byte, 0, payloadHeader+len(desc)+len(tail))
	out = append(out, traceID[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(desc)))
	out = append(out, desc...)
	return append(out, tail...)
}

// DescribePayload extracts the description, or "" when the payload does not
// follow the layout above.
func DescribePayload(payload []byte) string {
	if len(payload) < payloadHeader {
		return ""
	}
	n := int(binary.BigEndian.Uint16(payload[16:payloadHeader]))
	if len(payload) < payloadHeader+n {
		return ""
	}
	desc := payload[payloadHeader : payloadHeader+n]
	if !utf8.Valid(desc) {
		return ""
	}
	return string(desc)
}
