package sync_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdata/sf311-sync/internal/store"
	"github.com/civicdata/sf311-sync/internal/sync"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	raw := sync.RawRecord{
		"service_request_id": "18234567",
		"status_description": "Open",
		"lat":                37.7749,
		"long":               json.Number("-122.4194"),
		"police_district":    float64(6),
		"media_url":          nil,
		"is_duplicate":       true,
		"point": map[string]any{
			"type":        "Point",
			"coordinates": []any{-122.4194, 37.7749},
		},
		"tags": []any{"graffiti", "public"},
	}

	rec := sync.Normalize(raw)

	assert.Equal(t, "18234567", rec.ID)
	_, hasID := rec.Fields[store.IDColumn]
	assert.False(t, hasID, "identifier is carried by Record.ID")

	assert.Equal(t, store.Text("Open"), rec.Fields["status_description"])
	assert.Equal(t, store.Text("37.7749"), rec.Fields["lat"])
	assert.Equal(t, store.Text("-122.4194"), rec.Fields["long"])
	assert.Equal(t, store.Text("6"), rec.Fields["police_district"])
	assert.Equal(t, store.Null(), rec.Fields["media_url"])
	assert.Equal(t, store.Text("true"), rec.Fields["is_duplicate"])

	point := rec.Fields["point"]
	require.Equal(t, store.KindStructured, point.Kind)
	assert.JSONEq(t, `{"type":"Point","coordinates":[-122.4194,37.7749]}`, string(point.JSON))

	tags := rec.Fields["tags"]
	require.Equal(t, store.KindStructured, tags.Kind)
	assert.Equal(t, `["graffiti","public"]`, string(tags.JSON))
}

func TestNormalize_ScalarsAvoidExponentNotation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "large float", value: 12345678901.0, want: "12345678901"},
		{name: "small float", value: 0.000001, want: "0.000001"},
		{name: "int", value: 42, want: "42"},
		{name: "int64", value: int64(-7), want: "-7"},
		{name: "false", value: false, want: "false"},
		{name: "json number verbatim", value: json.Number("1e3"), want: "1e3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := sync.Normalize(sync.RawRecord{"service_request_id": "1", "v": tt.value})
			assert.Equal(t, store.Text(tt.want), rec.Fields["v"])
		})
	}
}

func TestNormalize_IsTotal(t *testing.T) {
	t.Parallel()

	weird := sync.RawRecord{
		"service_request_id": "1",
		"nan_inside":         map[string]any{"v": math.NaN()},
		"channel":            make(chan int),
		"empty_map":          map[string]any{},
		"empty_list":         []any{},
	}

	var rec store.Record
	require.NotPanics(t, func() { rec = sync.Normalize(weird) })

	assert.Equal(t, store.KindText, rec.Fields["nan_inside"].Kind, "unencodable structures fall back to text")
	assert.Equal(t, store.KindText, rec.Fields["channel"].Kind)
	assert.Equal(t, store.Structured([]byte(`{}`)), rec.Fields["empty_map"])
	assert.Equal(t, store.Structured([]byte(`[]`)), rec.Fields["empty_list"])
}

func TestNormalize_TypedCollections(t *testing.T) {
	t.Parallel()

	rec := sync.Normalize(sync.RawRecord{
		"service_request_id": "1",
		"tags":               []string{"a", "b"},
		"geo":                map[string]string{"type": "Point"},
		"pts":                []map[string]any{{"x": 1}},
		"pair":               [2]int{3, 4},
		"no_tags":            []string(nil),
	})

	assert.Equal(t, store.Structured([]byte(`["a","b"]`)), rec.Fields["tags"])
	assert.Equal(t, store.Structured([]byte(`{"type":"Point"}`)), rec.Fields["geo"])
	assert.Equal(t, store.Structured([]byte(`[{"x":1}]`)), rec.Fields["pts"])
	assert.Equal(t, store.Structured([]byte(`[3,4]`)), rec.Fields["pair"])
	assert.Equal(t, store.Null(), rec.Fields["no_tags"])
}

func TestNormalize_Deterministic(t *testing.T) {
	t.Parallel()

	raw := sync.RawRecord{
		"service_request_id": "1",
		"point":              map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": 0, "y": 1}},
	}

	first := sync.Normalize(raw)
	for range 20 {
		assert.Equal(t, first, sync.Normalize(raw))
	}
	assert.Equal(t, `{"a":1,"b":2,"c":{"y":1,"z":0}}`, string(first.Fields["point"].JSON))
}

func TestNormalize_MissingOrNonTextID(t *testing.T) {
	t.Parallel()

	assert.Empty(t, sync.Normalize(sync.RawRecord{"status_description": "Open"}).ID)
	assert.Empty(t, sync.Normalize(sync.RawRecord{"service_request_id": nil}).ID)
	assert.Equal(t, "101", sync.Normalize(sync.RawRecord{"service_request_id": json.Number("101")}).ID)
}

func TestNormalizeAll_PreservesOrder(t *testing.T) {
	t.Parallel()

	records := sync.NormalizeAll([]sync.RawRecord{
		{"service_request_id": "3"},
		{"service_request_id": "1"},
		{"service_request_id": "2"},
	})

	require.Len(t, records, 3)
	assert.Equal(t, []string{"3", "1", "2"}, []string{records[0].ID, records[1].ID, records[2].ID})
}
