package workers

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestPayloadDescription(t *testing.T) {
	id := uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	payload := EncodePayload(id, "Eve's payment to Frank for piano tuning", []byte{9, 9})

	assert.Equal(t, id[:], payload[:16])
	assert.Equal(t, "Eve's payment to Frank for piano tuning", DescribePayload(payload))
	assert.Equal(t, []byte{9, 9}, payload[len(payload)-2:])
}

func TestDescribePayloadRejectsForeignLayouts(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"short header", []byte{1, 2, 3}},
		{"length past end", append(append(id[:0:0], id[:]...), 0x00, 0x10, 'a')},
		{"invalid utf8", append(append(id[:0:0], id[:]...), 0x00, 0x02, 0xff, 0xfe)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, DescribePayload(tt.payload))
		})
	}
}

func TestPayloadDescriptionRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("description survives any tail", prop.ForAll(
		func(desc string, tail []byte) bool {
			return DescribePayload(EncodePayload(uuid.New(), desc, tail)) == desc
		},
		gen.AnyString(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
