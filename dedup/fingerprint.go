package dedup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a digest of a feature's attribute values in schema order.
// Two features with the same attribute sequence (nulls included) always
// produce the same fingerprint. Distinct sequences collide with negligible
// probability, which is accepted: fingerprint equality is attribute equality.
type Fingerprint uint64

// String renders the fingerprint as fixed-width hex
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

var (
	// absentMarker stands in for null or unreadable values. Present values
	// always start with a printable type tag, so the marker cannot collide.
	absentMarker = []byte{0x00, 'n', 'u', 'l', 'l'}

	// fieldSeparator terminates every field, present or not
	fieldSeparator = []byte{0x1e}
)

// Fingerprinter computes attribute fingerprints
type Fingerprinter struct{}

// Fingerprint returns the digest of f's attribute values
func (Fingerprinter) Fingerprint(f *Feature) Fingerprint {
	return Fingerprint(xxhash.Sum64(CanonicalAttributes(f)))
}

// Equal reports whether a and b have the same fingerprint
func (fp Fingerprinter) Equal(a, b *Feature) bool {
	return fp.Fingerprint(a) == fp.Fingerprint(b)
}

// CanonicalAttributes returns the byte sequence that Fingerprint digests:
// each attribute's canonical encoding (or the absent marker) followed by
// the field separator.
func CanonicalAttributes(f *Feature) []byte {
	var buf bytes.Buffer
	for _, attr := range f.Attributes {
		encoded, ok := canonicalValue(attr)
		if ok {
			buf.Write(encoded)
		} else {
			buf.Write(absentMarker)
		}
		buf.Write(fieldSeparator)
	}
	return buf.Bytes()
}

// canonicalValue encodes a present value as a type tag, a uvarint length and
// the payload. It returns false for absent, unreadable or unencodable values.
func canonicalValue(attr Attribute) ([]byte, bool) {
	if attr.Err != nil || attr.Value == nil {
		return nil, false
	}

	var tag byte
	var payload []byte

	switch v := attr.Value.(type) {
	case string:
		tag, payload = 's', []byte(v)
	case []byte:
		tag, payload = 'x', v
	case bool:
		tag, payload = 'b', strconv.AppendBool(nil, v)
	case int:
		tag, payload = 'i', strconv.AppendInt(nil, int64(v), 10)
	case int8:
		tag, payload = 'i', strconv.AppendInt(nil, int64(v), 10)
	case int16:
		tag, payload = 'i', strconv.AppendInt(nil, int64(v), 10)
	case int32:
		tag, payload = 'i', strconv.AppendInt(nil, int64(v), 10)
	case int64:
		tag, payload = 'i', strconv.AppendInt(nil, v, 10)
	case uint:
		tag, payload = 'u', strconv.AppendUint(nil, uint64(v), 10)
	case uint8:
		tag, payload = 'u', strconv.AppendUint(nil, uint64(v), 10)
	case uint16:
		tag, payload = 'u', strconv.AppendUint(nil, uint64(v), 10)
	case uint32:
		tag, payload = 'u', strconv.AppendUint(nil, uint64(v), 10)
	case uint64:
		tag, payload = 'u', strconv.AppendUint(nil, v, 10)
	case float32:
		tag, payload = 'f', strconv.AppendFloat(nil, float64(v), 'g', -1, 32)
	case float64:
		if math.IsNaN(v) {
			tag, payload = 'f', []byte("NaN")
		} else {
			tag, payload = 'f', strconv.AppendFloat(nil, v, 'g', -1, 64)
		}
	case time.Time:
		tag, payload = 't', []byte(v.UTC().Format(time.RFC3339Nano))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		tag, payload = 'j', data
	}

	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	out = append(out, tag)
	out = binary.AppendUvarint(out, uint64(len(payload)))
	out = append(out, payload...)
	return out, true
}
