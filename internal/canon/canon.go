// Package canon implements the byte-deterministic record serialization
// used before every hash or signature. Two codecs ship side by side:
// Version (legacy, sorted-key standard JSON) and VersionJCS (RFC 8785).
// Both refuse floats, NaN, and cyclic trees; the core never hashes or
// signs anything that did not pass through here first.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"

	"github.com/kgenhq/kgen/internal/errkind"
)

// Version identifies which canonicalization codec produced a given record.
type Version string

const (
	// V1 is sorted-key standard JSON, preserved for records stamped with it.
	V1 Version = "v1"
	// V2 is strict JCS (RFC 8785): UTF-16 code-unit key ordering, ES6 number formatting.
	V2 Version = "v2"
)

// Default is the codec used for newly produced records.
const Default = V2

// Canonicalize serializes v with the given codec. v must already be a
// plain tree of map[string]interface{}, []interface{}, string, bool,
// json.Number/float64/int, or nil for an absent field (null is rejected
// inside the tree itself — callers omit absent fields rather than set
// them to nil).
func Canonicalize(v interface{}, version Version) ([]byte, error) {
	if err := reject(v, make(map[uintptr]bool)); err != nil {
		return nil, errkind.Wrap(errkind.Canonicalization, "canon.Canonicalize", err)
	}
	switch version {
	case V1:
		return canonicalizeV1(v)
	case V2:
		return canonicalizeV2(v)
	default:
		return nil, errkind.New(errkind.Canonicalization, "canon.Canonicalize", fmt.Sprintf("unknown canonicalization version %q", version))
	}
}

// ToTree converts any JSON-taggable Go value (typically a models
// struct) into the plain map[string]interface{}/[]interface{} tree
// Canonicalize expects, preserving integers as json.Number rather than
// collapsing them through float64.
func ToTree(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errkind.Wrap(errkind.Canonicalization, "canon.ToTree", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, errkind.Wrap(errkind.Canonicalization, "canon.ToTree", err)
	}
	return out, nil
}

// SigningProjection returns a shallow copy of m with the "signature" key
// removed. Signatures always cover this projection, never the record
// with its own signature embedded.
func SigningProjection(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "signature" {
			continue
		}
		out[k] = v
	}
	return out
}

// reject walks the tree refusing floats, NaN/Inf, and anything that is
// not one of the permitted plain-tree shapes. Maps/slices are walked by
// pointer identity to catch cycles the JSON encoder itself could not
// detect (Go's encoding/json already guards against self-referential
// maps via allocation limits, but a hand-built tree from engine output
// can still carry a literal cycle).
func reject(v interface{}, seen map[uintptr]bool) error {
	switch val := v.(type) {
	case float64:
		if val != val || val > 1.7976931348623157e+308 || val < -1.7976931348623157e+308 {
			return fmt.Errorf("NaN/Infinity is not a valid canonical value")
		}
		if val != float64(int64(val)) {
			return fmt.Errorf("floating-point value %v not allowed in canonical records; records carry integers only", val)
		}
		return nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", val, err)
		}
		return reject(f, seen)
	case []interface{}:
		for i, elem := range val {
			if err := reject(elem, seen); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		return nil
	case map[string]interface{}:
		for k, elem := range val {
			if err := reject(elem, seen); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		return nil
	default:
		return nil
	}
}

// --- v1: sorted-key standard JSON ---

func canonicalizeV1(v interface{}) ([]byte, error) {
	return json.Marshal(toOrderedV1(v))
}

func toOrderedV1(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om := &orderedMapV1{keys: keys, values: make(map[string]interface{}, len(val))}
		for k, elem := range val {
			om.values[k] = toOrderedV1(elem)
		}
		return om
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = toOrderedV1(elem)
		}
		return out
	default:
		return v
	}
}

type orderedMapV1 struct {
	keys   []string
	values map[string]interface{}
}

func (om *orderedMapV1) MarshalJSON() ([]byte, error) {
	if len(om.keys) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range om.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(om.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// --- v2: JCS (RFC 8785) ---

func canonicalizeV2(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJCSValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJCSValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case float64:
		s, err := jcsFormatNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return err
		}
		s, err := jcsFormatNumber(f)
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case string:
		writeJCSString(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJCSValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		return writeJCSObject(buf, val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

func writeJCSObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return compareUTF16(keys[i], keys[j]) < 0 })

	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJCSString(buf, key)
		buf.WriteByte(':')
		if err := writeJCSValue(buf, m[key]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func compareUTF16(a, b string) int {
	aUnits := utf16.Encode([]rune(a))
	bUnits := utf16.Encode([]rune(b))
	n := len(aUnits)
	if len(bUnits) < n {
		n = len(bUnits)
	}
	for i := 0; i < n; i++ {
		if aUnits[i] != bUnits[i] {
			return int(aUnits[i]) - int(bUnits[i])
		}
	}
	return len(aUnits) - len(bUnits)
}

func writeJCSString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func jcsFormatNumber(f float64) (string, error) {
	if f != f {
		return "", fmt.Errorf("NaN is not a valid JSON number")
	}
	if f > 1.7976931348623157e+308 || f < -1.7976931348623157e+308 {
		return "", fmt.Errorf("infinity is not a valid JSON number")
	}
	if f == 0 {
		return "0", nil
	}
	if f == float64(int64(f)) && f >= -9007199254740991 && f <= 9007199254740991 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
