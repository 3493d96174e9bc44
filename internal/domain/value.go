package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldType is the declared type of a spreadsheet column.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeDate    FieldType = "date"
	FieldTypeBoolean FieldType = "boolean"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	KindNull     ValueKind = "null"
	KindString   ValueKind = "string"
	KindNumber   ValueKind = "number"
	KindDate     ValueKind = "date"
	KindBool     ValueKind = "bool"
	KindUnparsed ValueKind = "unparsed"
)

const dateLayout = "2006-01-02"

// ErrValueParse is returned when two values cannot be brought to a common type.
var ErrValueParse = errors.New("value parse failure")

var timeLayouts = []string{
	dateLayout,
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02",
	"2006/1/2",
	"2006/01/02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
}

// Value is a typed field value. Exactly one payload field is meaningful,
// selected by Kind. Unparsed values keep the raw text and the parse error so
// they can be surfaced instead of silently dropped.
type Value struct {
	Kind       ValueKind
	Str        string
	Num        float64
	Date       time.Time
	Bool       bool
	ParseError string
}

// Fields maps field names to values.
type Fields map[string]Value

func NullValue() Value { return Value{Kind: KindNull} }

// StringValue trims the input; an empty string is null.
func StringValue(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return NullValue()
	}
	return Value{Kind: KindString, Str: s}
}

func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// DateValue truncates t to its calendar date in UTC.
func DateValue(t time.Time) Value {
	y, m, d := t.Date()
	return Value{Kind: KindDate, Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func UnparsedValue(raw string, err error) Value {
	msg := "unparseable value"
	if err != nil {
		msg = err.Error()
	}
	return Value{Kind: KindUnparsed, Str: raw, ParseError: msg}
}

// IsNull reports whether the value carries no information.
func (v Value) IsNull() bool { return v.Kind == KindNull || v.Kind == "" }

// String renders the value the way an operator would type it into a sheet.
func (v Value) String() string {
	switch v.Kind {
	case KindString, KindUnparsed:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindDate:
		return v.Date.Format(dateLayout)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// ParseValue converts a raw cell into a Value of the declared type. Blank
// cells become null. A cell that does not fit the type becomes an unparsed
// value rather than an error.
func ParseValue(fieldType FieldType, raw string) Value {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NullValue()
	}

	switch fieldType {
	case FieldTypeNumber:
		n, err := parseNumber(raw)
		if err != nil {
			return UnparsedValue(raw, err)
		}
		return NumberValue(n)
	case FieldTypeDate:
		t, err := parseDate(raw)
		if err != nil {
			return UnparsedValue(raw, err)
		}
		return DateValue(t)
	case FieldTypeBoolean:
		b, err := parseBool(raw)
		if err != nil {
			return UnparsedValue(raw, err)
		}
		return BoolValue(b)
	default:
		return StringValue(raw)
	}
}

// Equal compares two values after type normalization. A string compared
// against a typed value is parsed into that type first; if that parse fails,
// or either side is already unparsed, ErrValueParse is returned.
func (v Value) Equal(other Value) (bool, error) {
	if v.Kind == KindUnparsed || other.Kind == KindUnparsed {
		return false, fmt.Errorf("%w: %q vs %q", ErrValueParse, v.String(), other.String())
	}
	if v.IsNull() || other.IsNull() {
		return v.IsNull() && other.IsNull(), nil
	}

	if v.Kind != other.Kind {
		switch {
		case v.Kind == KindString:
			coerced, err := coerceTo(other.Kind, v.Str)
			if err != nil {
				return false, err
			}
			v = coerced
		case other.Kind == KindString:
			coerced, err := coerceTo(v.Kind, other.Str)
			if err != nil {
				return false, err
			}
			other = coerced
		default:
			return false, nil
		}
	}

	switch v.Kind {
	case KindString:
		return v.Str == other.Str, nil
	case KindNumber:
		return v.Num == other.Num, nil
	case KindDate:
		return v.Date.Equal(other.Date), nil
	case KindBool:
		return v.Bool == other.Bool, nil
	default:
		return false, nil
	}
}

func coerceTo(kind ValueKind, raw string) (Value, error) {
	var parsed Value
	switch kind {
	case KindNumber:
		parsed = ParseValue(FieldTypeNumber, raw)
	case KindDate:
		parsed = ParseValue(FieldTypeDate, raw)
	case KindBool:
		parsed = ParseValue(FieldTypeBoolean, raw)
	default:
		return StringValue(raw), nil
	}
	if parsed.Kind == KindUnparsed {
		return Value{}, fmt.Errorf("%w: %s", ErrValueParse, parsed.ParseError)
	}
	return parsed, nil
}

func parseNumber(raw string) (float64, error) {
	cleaned := strings.TrimLeft(raw, "$€£¥")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("unable to coerce %q to number", raw)
	}
	return f, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to coerce %q to date", raw)
}

func parseBool(raw string) (bool, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "1", "yes", "y", "on":
		return true, nil
	case "0", "no", "n", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("unable to coerce %q to boolean", raw)
	}
	return b, nil
}

type valueJSON struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// MarshalJSON encodes the value as {"type": kind, "value": payload}.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.Kind}
	if out.Type == "" {
		out.Type = KindNull
	}

	var payload any
	switch out.Type {
	case KindString:
		payload = v.Str
	case KindNumber:
		payload = v.Num
	case KindDate:
		payload = v.Date.Format(dateLayout)
	case KindBool:
		payload = v.Bool
	case KindUnparsed:
		payload = v.Str
		out.Error = v.ParseError
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}

	switch in.Type {
	case KindNull, "":
		*v = NullValue()
		return nil
	case KindString, KindUnparsed:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("failed to decode %s value: %w", in.Type, err)
		}
		*v = Value{Kind: in.Type, Str: s, ParseError: in.Error}
	case KindNumber:
		var n float64
		if err := json.Unmarshal(in.Value, &n); err != nil {
			return fmt.Errorf("failed to decode number value: %w", err)
		}
		*v = NumberValue(n)
	case KindDate:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("failed to decode date value: %w", err)
		}
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return fmt.Errorf("failed to decode date value: %w", err)
		}
		*v = DateValue(t)
	case KindBool:
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return fmt.Errorf("failed to decode bool value: %w", err)
		}
		*v = BoolValue(b)
	default:
		return fmt.Errorf("unknown value type %q", in.Type)
	}
	return nil
}

// Clone returns a shallow copy of the field map. Values are immutable so a
// shallow copy is sufficient.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for key, value := range f {
		out[key] = value
	}
	return out
}

// Get returns the value for name, or null when absent.
func (f Fields) Get(name string) Value {
	if value, ok := f[name]; ok {
		return value
	}
	return NullValue()
}
