package provideradapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDotPaths(t *testing.T) {
	doc, err := decodeBody([]byte(`{
		"data": {
			"items": [
				{"phone": "+12025550101", "id": 42},
				{"phone": "+12025550102", "id": 43}
			]
		}
	}`))
	require.NoError(t, err)

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"data.items.0.phone", "+12025550101", true},
		{"data.items.1.id", float64(43), true},
		{"data.items.2.id", nil, false},
		{"data.missing", nil, false},
		{"data.items.notanumber", nil, false},
	}

	for _, tc := range tests {
		got, ok := lookup(doc, tc.path)
		assert.Equal(t, tc.found, ok, tc.path)
		if tc.found {
			assert.Equal(t, tc.want, got, tc.path)
		}
	}
}

func TestExtractStringRendersIntsWithoutDecimal(t *testing.T) {
	doc, err := decodeBody([]byte(`{"id": 123456789, "price": 0.5, "ok": true, "name": "  abc  "}`))
	require.NoError(t, err)

	id, ok := extractString(doc, "id")
	require.True(t, ok)
	assert.Equal(t, "123456789", id)

	price, ok := extractString(doc, "price")
	require.True(t, ok)
	assert.Equal(t, "0.5", price)

	flag, ok := extractString(doc, "ok")
	require.True(t, ok)
	assert.Equal(t, "true", flag)

	name, ok := extractString(doc, "name")
	require.True(t, ok)
	assert.Equal(t, "abc", name)
}

func TestExtractFloatAcceptsNumericStrings(t *testing.T) {
	doc, err := decodeBody([]byte(`{"balance": "12.34", "count": 7, "bad": "nope"}`))
	require.NoError(t, err)

	balance, ok := extractFloat(doc, "balance")
	require.True(t, ok)
	assert.InDelta(t, 12.34, balance, 1e-9)

	count, ok := extractInt(doc, "count")
	require.True(t, ok)
	assert.Equal(t, 7, count)

	_, ok = extractFloat(doc, "bad")
	assert.False(t, ok)
}

func TestListElements(t *testing.T) {
	t.Run("array at path", func(t *testing.T) {
		doc, err := decodeBody([]byte(`{"offers": [{"a": 1}, {"a": 2}]}`))
		require.NoError(t, err)

		elements, ok := listElements(doc, "offers")
		require.True(t, ok)
		assert.Len(t, elements, 2)
	})

	t.Run("root object becomes single element", func(t *testing.T) {
		doc, err := decodeBody([]byte(`{"a": 1}`))
		require.NoError(t, err)

		elements, ok := listElements(doc, "")
		require.True(t, ok)
		assert.Len(t, elements, 1)
	})

	t.Run("keyed map values", func(t *testing.T) {
		doc, err := decodeBody([]byte(`{"prices": {"US": {"p": 1}, "GB": {"p": 2}}}`))
		require.NoError(t, err)

		elements, ok := listElements(doc, "prices")
		require.True(t, ok)
		assert.Len(t, elements, 2)
	})

	t.Run("scalar is not a list", func(t *testing.T) {
		doc, err := decodeBody([]byte(`{"n": 3}`))
		require.NoError(t, err)

		_, ok := listElements(doc, "n")
		assert.False(t, ok)
	})
}

func TestDecodeBodyRejectsInvalidJSON(t *testing.T) {
	_, err := decodeBody([]byte(`NO_NUMBERS`))
	assert.Error(t, err)
}
