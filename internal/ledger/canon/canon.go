// Package canon produces the deterministic byte encoding of a ledger row that
// receipts are signed over.
//
// The encoding is JSON with object keys sorted by UTF-8 bytes at every depth,
// no insignificant whitespace, no HTML escaping, and every timestamp rendered
// as UTC with millisecond precision and a literal "Z". The top-level object has
// a fixed, versioned field set; absent optional fields encode as null, so the
// output depends only on the row's logical content.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

const (
	// Algo identifies this canonicalization rule set in stored signatures.
	Algo = "ledger_canon_v1"

	// ReceiptSchemaVersion is embedded in every canonical document.
	ReceiptSchemaVersion = 1

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// FormatTimestamp renders t the way canonical documents do.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Canonicalize returns the canonical bytes for e.
func Canonicalize(e *model.Event) ([]byte, error) {
	return Marshal(document(e))
}

// ContentDigest hashes the canonical form of e with the backend-assigned id and
// created_at blanked out. Two writes of the same logical content produce the
// same digest whether or not either has been persisted.
func ContentDigest(e *model.Event) (string, error) {
	doc := document(e)
	doc["ledger_row_id"] = nil
	doc["created_at"] = nil
	b, err := Marshal(doc)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func document(e *model.Event) map[string]any {
	var createdAt any
	if !e.CreatedAt.IsZero() {
		createdAt = FormatTimestamp(e.CreatedAt)
	}
	payload := map[string]any(e.Payload)
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"receipt_schema_version": ReceiptSchemaVersion,
		"ledger_row_id":          nullable(e.ID),
		"domain":                 string(e.Domain),
		"owner_user_id":          nullable(e.OwnerUserID),
		"owner_agent_id":         nullable(e.OwnerAgentID),
		"logical_id":             nullable(e.LogicalID),
		"revision":               e.Revision,
		"supersedes_id":          nullable(e.SupersedesID),
		"op":                     string(e.Op),
		"event_type":             e.EventType,
		"entity_type":            nullable(e.EntityType),
		"entity_id":              nullable(e.EntityID),
		"category":               nullable(e.Category),
		"city_code":              nullable(e.CityCode),
		"locality_code":          nullable(e.LocalityCode),
		"occurred_at":            FormatTimestamp(e.OccurredAt),
		"atomic_timestamp_id":    nullable(e.AtomicTimestampID),
		"payload":                payload,
		"created_at":             createdAt,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Marshal encodes an arbitrary JSON-compatible value canonically.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	numberType = reflect.TypeOf(json.Number(""))
)

func encode(buf *bytes.Buffer, v reflect.Value) error {
	if !v.IsValid() {
		buf.WriteString("null")
		return nil
	}
	switch v.Type() {
	case timeType:
		return encodeString(buf, FormatTimestamp(v.Interface().(time.Time)))
	case numberType:
		d, err := formatDecimal(v.Interface().(json.Number).String())
		if err != nil {
			return err
		}
		buf.WriteString(d)
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, v.Elem())
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.String:
		return encodeString(buf, v.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32:
		return encodeFloat(buf, v.Float(), 32)
	case reflect.Float64:
		return encodeFloat(buf, v.Float(), 64)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		buf.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("canon: map key type %s is not a string", v.Type().Key())
		}
		if v.IsNil() {
			buf.WriteString("null")
			return nil
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported type %s", v.Type())
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// encodeFloat writes the shortest decimal that round-trips f, in the same
// form formatDecimal gives the equivalent json.Number.
func encodeFloat(buf *bytes.Buffer, f float64, bits int) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canon: non-finite number")
	}
	d, err := formatDecimal(strconv.FormatFloat(f, 'g', -1, bits))
	if err != nil {
		return err
	}
	buf.WriteString(d)
	return nil
}

// maxExponent bounds the exponent of a JSON number so rendering stays small.
const maxExponent = 1 << 16

// formatDecimal renders a JSON number exactly, without going through a binary
// float. Leading and trailing zeros are dropped, so "1.0", "1" and "10e-1"
// agree, and the layout follows ECMAScript Number.prototype.toString: plain
// digits while the decimal point sits within 21 places, exponent form beyond.
func formatDecimal(s string) (string, error) {
	num := s
	neg := strings.HasPrefix(num, "-")
	if neg {
		num = num[1:]
	}
	exp := 0
	if i := strings.IndexAny(num, "eE"); i >= 0 {
		e, err := strconv.Atoi(num[i+1:])
		if err != nil || e > maxExponent || e < -maxExponent {
			return "", fmt.Errorf("canon: invalid number %q", s)
		}
		exp, num = e, num[:i]
	}
	intPart, frac, hasDot := strings.Cut(num, ".")
	if !isDigits(intPart) || (hasDot && !isDigits(frac)) {
		return "", fmt.Errorf("canon: invalid number %q", s)
	}

	// value = 0.digits × 10^point
	digits := intPart + frac
	point := len(intPart) + exp
	for len(digits) > 0 && digits[0] == '0' {
		digits = digits[1:]
		point--
	}
	digits = strings.TrimRight(digits, "0")
	if digits == "" {
		return "0", nil
	}

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	k := len(digits)
	switch {
	case k <= point && point <= 21:
		sb.WriteString(digits)
		sb.WriteString(strings.Repeat("0", point-k))
	case 0 < point && point <= 21:
		sb.WriteString(digits[:point])
		sb.WriteByte('.')
		sb.WriteString(digits[point:])
	case -6 < point && point <= 0:
		sb.WriteString("0.")
		sb.WriteString(strings.Repeat("0", -point))
		sb.WriteString(digits)
	default:
		sb.WriteString(digits[:1])
		if k > 1 {
			sb.WriteByte('.')
			sb.WriteString(digits[1:])
		}
		sb.WriteByte('e')
		if point-1 >= 0 {
			sb.WriteByte('+')
		}
		sb.WriteString(strconv.Itoa(point - 1))
	}
	return sb.String(), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
