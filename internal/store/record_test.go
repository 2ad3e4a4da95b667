package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestValue_SQLText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value Value
		want  *string
	}{
		{name: "null", value: Null(), want: nil},
		{name: "text", value: Text("Open"), want: strPtr("Open")},
		{name: "empty text is not null", value: Text(""), want: strPtr("")},
		{name: "structured", value: Structured([]byte(`{"a":1}`)), want: strPtr(`{"a":1}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.value.SQLText())
		})
	}
}

func TestRecord_Row(t *testing.T) {
	t.Parallel()

	rec := Record{
		ID: "101",
		Fields: map[string]Value{
			RequestedColumn: Text("2025-03-01T08:15:00.000"),
			"lat":           Text("37.77"),
			"point":         Structured([]byte(`{"type":"Point","coordinates":[-122.4,37.7]}`)),
			"closed_date":   Null(),
			"new_attribute": Text("surprise"),
			"nested_extra":  Structured([]byte(`[1,2]`)),
		},
	}

	row, err := rec.Row()
	require.NoError(t, err)

	cols := WriteColumns()
	require.Len(t, row, len(cols))

	byName := make(map[string]any, len(cols))
	for i, c := range cols {
		byName[c] = row[i]
	}

	assert.Equal(t, "101", byName[IDColumn])
	assert.Equal(t, strPtr("2025-03-01T08:15:00.000"), byName[RequestedColumn])
	assert.Equal(t, strPtr("37.77"), byName["lat"])
	assert.Equal(t, strPtr(`{"type":"Point","coordinates":[-122.4,37.7]}`), byName["point"])
	assert.Nil(t, byName["closed_date"])
	assert.Nil(t, byName[UpdatedColumn])
	assert.JSONEq(t, `{"new_attribute":"surprise","nested_extra":[1,2]}`, byName[ExtraFieldsColumn].(string))
}

func TestRecord_ExtraFields(t *testing.T) {
	t.Parallel()

	known := Record{ID: "1", Fields: map[string]Value{"status_description": Text("Closed")}}
	extra, err := known.ExtraFields()
	require.NoError(t, err)
	assert.Nil(t, extra)

	withNull := Record{ID: "2", Fields: map[string]Value{"vendor_flag": Null()}}
	extra, err = withNull.ExtraFields()
	require.NoError(t, err)
	assert.JSONEq(t, `{"vendor_flag":null}`, string(extra))

	broken := Record{ID: "3", Fields: map[string]Value{"bad": Structured([]byte(`{`))}}
	_, err = broken.ExtraFields()
	require.Error(t, err)
}

func TestParseConflictPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseConflictPolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, ConflictSkip, p)

	p, err = ParseConflictPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ConflictOverwrite, p)

	_, err = ParseConflictPolicy("merge")
	require.Error(t, err)
}

func TestIsKnownColumn(t *testing.T) {
	t.Parallel()

	assert.True(t, IsKnownColumn(IDColumn))
	assert.True(t, IsKnownColumn("bos_2012"))
	assert.False(t, IsKnownColumn(ExtraFieldsColumn))
	assert.False(t, IsKnownColumn(InsertedAtColumn))
	assert.False(t, IsKnownColumn(":id"))
}
