package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	cases := []struct {
		name      string
		fieldType FieldType
		raw       string
		want      Value
	}{
		{"blank is null", FieldTypeString, "   ", NullValue()},
		{"string trimmed", FieldTypeString, "  Alice ", StringValue("Alice")},
		{"number with separators", FieldTypeNumber, "1,250,000", NumberValue(1250000)},
		{"number with currency", FieldTypeNumber, "¥3,000", NumberValue(3000)},
		{"iso date", FieldTypeDate, "2024-05-01", DateValue(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))},
		{"slash date", FieldTypeDate, "2024/5/1", DateValue(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))},
		{"yes is true", FieldTypeBoolean, "Yes", BoolValue(true)},
		{"zero is false", FieldTypeBoolean, "0", BoolValue(false)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseValue(tc.fieldType, tc.raw)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseValueFailureIsUnparsed(t *testing.T) {
	got := ParseValue(FieldTypeDate, "next tuesday")
	assert.Equal(t, KindUnparsed, got.Kind)
	assert.Equal(t, "next tuesday", got.Str)
	assert.NotEmpty(t, got.ParseError)
}

func TestValueEqualNormalizesFormatting(t *testing.T) {
	date := DateValue(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))

	same, err := date.Equal(StringValue("2024/01/31"))
	require.NoError(t, err)
	assert.True(t, same, "date string should match calendar date")

	same, err = NumberValue(1000).Equal(StringValue("1,000"))
	require.NoError(t, err)
	assert.True(t, same)

	same, err = NullValue().Equal(StringValue(""))
	require.NoError(t, err)
	assert.True(t, same)

	same, err = NumberValue(1).Equal(DateValue(time.Now()))
	require.NoError(t, err)
	assert.False(t, same, "different kinds never match")
}

func TestValueEqualReportsParseFailure(t *testing.T) {
	_, err := DateValue(time.Now()).Equal(StringValue("TBD"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValueParse))

	_, err = StringValue("x").Equal(UnparsedValue("x", nil))
	assert.ErrorIs(t, err, ErrValueParse)
}

func TestValueJSONRoundTrip(t *testing.T) {
	fields := Fields{
		"name":     StringValue("Alice"),
		"price":    NumberValue(12.5),
		"listed":   DateValue(time.Date(2023, 7, 4, 0, 0, 0, 0, time.UTC)),
		"active":   BoolValue(true),
		"memo":     NullValue(),
		"deadline": UnparsedValue("soon", errors.New("unable to coerce")),
	}

	raw, err := json.Marshal(fields)
	require.NoError(t, err)

	var decoded Fields
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, fields, decoded)
}
