package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Reserved payload keys.
const (
	PayloadSchemaVersion = "schema_version"
	PayloadSource        = "source"
	PayloadCorrelationID = "correlation_id"
)

// Payload is an open-ended map of JSON-compatible values. Its shape is owned by
// the calling domain and versioned through PayloadSchemaVersion.
type Payload map[string]any

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Event is a single journal row. ID and CreatedAt are assigned by the backend
// and are empty before insert. Optional string facets use "" for absent.
type Event struct {
	ID                string
	Domain            Domain
	OwnerUserID       string
	OwnerAgentID      string
	LogicalID         string
	Revision          int
	SupersedesID      string
	Op                Op
	EventType         string
	EntityType        string
	EntityID          string
	Category          string
	CityCode          string
	LocalityCode      string
	OccurredAt        time.Time
	AtomicTimestampID string
	Payload           Payload
	CreatedAt         time.Time
}

// Owner identifies the authenticated writer of an event.
type Owner struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
}

// Valid reports whether both owner identifiers are present.
func (o Owner) Valid() bool { return o.UserID != "" && o.AgentID != "" }

// Persisted reports whether the backend has assigned an id to the event.
func (e *Event) Persisted() bool { return e.ID != "" }

// ToMap returns the flat wire representation of e. Absent optional fields map
// to nil so every key is always present.
func (e *Event) ToMap() map[string]any {
	m := e.InsertMap()
	m["id"] = optional(e.ID)
	if e.CreatedAt.IsZero() {
		m["created_at"] = nil
	} else {
		m["created_at"] = e.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// InsertMap returns the row-insert map sent to the backend: the wire form
// without the backend-assigned id and created_at.
func (e *Event) InsertMap() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	return map[string]any{
		"domain":              string(e.Domain),
		"owner_user_id":       e.OwnerUserID,
		"owner_agent_id":      e.OwnerAgentID,
		"logical_id":          e.LogicalID,
		"revision":            e.Revision,
		"supersedes_id":       optional(e.SupersedesID),
		"op":                  string(e.Op),
		"event_type":          e.EventType,
		"entity_type":         optional(e.EntityType),
		"entity_id":           optional(e.EntityID),
		"category":            optional(e.Category),
		"city_code":           optional(e.CityCode),
		"locality_code":       optional(e.LocalityCode),
		"occurred_at":         e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"atomic_timestamp_id": optional(e.AtomicTimestampID),
		"payload":             map[string]any(payload),
	}
}

// EventFromMap decodes the flat wire representation. Unknown domain or op
// values fail with ErrUnknownDomain / ErrUnknownOp.
func EventFromMap(m map[string]any) (*Event, error) {
	var e Event
	var err error

	domain, err := stringField(m, "domain", true)
	if err != nil {
		return nil, err
	}
	if e.Domain, err = ParseDomain(domain); err != nil {
		return nil, err
	}
	op, err := stringField(m, "op", true)
	if err != nil {
		return nil, err
	}
	if e.Op, err = ParseOp(op); err != nil {
		return nil, err
	}

	strs := []struct {
		key      string
		dst      *string
		required bool
	}{
		{"id", &e.ID, false},
		{"owner_user_id", &e.OwnerUserID, true},
		{"owner_agent_id", &e.OwnerAgentID, true},
		{"logical_id", &e.LogicalID, true},
		{"supersedes_id", &e.SupersedesID, false},
		{"event_type", &e.EventType, true},
		{"entity_type", &e.EntityType, false},
		{"entity_id", &e.EntityID, false},
		{"category", &e.Category, false},
		{"city_code", &e.CityCode, false},
		{"locality_code", &e.LocalityCode, false},
		{"atomic_timestamp_id", &e.AtomicTimestampID, false},
	}
	for _, f := range strs {
		if *f.dst, err = stringField(m, f.key, f.required); err != nil {
			return nil, err
		}
	}

	if e.Revision, err = intField(m, "revision"); err != nil {
		return nil, err
	}
	if e.Revision < 0 {
		return nil, fmt.Errorf("revision must be non-negative, got %d", e.Revision)
	}
	if e.OccurredAt, err = timeField(m, "occurred_at", true); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = timeField(m, "created_at", false); err != nil {
		return nil, err
	}

	switch p := m["payload"].(type) {
	case nil:
		e.Payload = Payload{}
	case map[string]any:
		e.Payload = Payload(p)
	case Payload:
		e.Payload = p
	default:
		return nil, fmt.Errorf("%w: payload must be an object, got %T", ErrInvalidPayload, p)
	}
	return &e, nil
}

// MarshalJSON encodes the event in its flat wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToMap())
}

// UnmarshalJSON decodes the flat wire form. Numbers inside the payload are kept
// as json.Number so they re-encode byte-for-byte.
func (e *Event) UnmarshalJSON(b []byte) error {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	decoded, err := EventFromMap(m)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// ValidatePayload checks the reserved keys and that every value is
// JSON-compatible. The rest of the payload shape is not validated.
func ValidatePayload(p Payload) error {
	if v, ok := p[PayloadSchemaVersion]; ok {
		n, err := toInt(v)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidPayload, PayloadSchemaVersion)
		}
	}
	if v, ok := p[PayloadSource]; ok {
		if s, isStr := v.(string); !isStr || s == "" {
			return fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidPayload, PayloadSource)
		}
	}
	if v, ok := p[PayloadCorrelationID]; ok && v != nil {
		if _, isStr := v.(string); !isStr {
			return fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, PayloadCorrelationID)
		}
	}
	for k, v := range p {
		if err := jsonCompatible(reflect.ValueOf(v)); err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrInvalidPayload, k, err)
		}
	}
	return nil
}

// NormalizePayload validates p and returns it in the shape a JSON store hands
// back: a JSON round trip with numbers kept as json.Number and timestamps as
// RFC 3339 strings.
func NormalizePayload(p Payload) (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return DecodePayload(b)
}

// DecodePayload decodes a JSON object, keeping numbers as json.Number.
func DecodePayload(b []byte) (Payload, error) {
	out := Payload{}
	if len(b) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if out == nil {
		out = Payload{}
	}
	return out, nil
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	numberType = reflect.TypeOf(json.Number(""))
)

func jsonCompatible(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	if v.Type() == timeType || v.Type() == numberType {
		return nil
	}
	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return nil
	case reflect.Float32, reflect.Float64:
		if f := v.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite number")
		}
		return nil
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return jsonCompatible(v.Elem())
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := jsonCompatible(v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("map keys must be strings")
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := jsonCompatible(iter.Value()); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported type %s", v.Type())
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringField(m map[string]any, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing field %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string, got %T", key, v)
	}
	if required && s == "" {
		return "", fmt.Errorf("field %q must not be empty", key)
	}
	return s, nil
}

func intField(m map[string]any, key string) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return n, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, fmt.Errorf("not an integer: %s", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

func timeField(m map[string]any, key string, required bool) (time.Time, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return time.Time{}, fmt.Errorf("missing field %q", key)
		}
		return time.Time{}, nil
	}
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("field %q: %w", key, err)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("field %q must be a timestamp string, got %T", key, v)
}
