package sync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/civicdata/sf311-sync/internal/store"
)

// Normalize coerces a raw record into storage-ready values. Nested objects
// and arrays become structured JSON, nulls stay null, every other scalar is
// kept as its textual form. It never fails: a value that cannot be encoded
// falls back to its fmt representation.
func Normalize(raw RawRecord) store.Record {
	rec := store.Record{
		Fields: make(map[string]store.Value, len(raw)),
	}

	for key, value := range raw {
		v := normalizeValue(value)
		if key == store.IDColumn {
			if v.Kind == store.KindText {
				rec.ID = v.Text
			}
			continue
		}
		rec.Fields[key] = v
	}

	return rec
}

// NormalizeAll normalizes every raw record, preserving order
func NormalizeAll(raws []RawRecord) []store.Record {
	records := make([]store.Record, len(raws))
	for i, raw := range raws {
		records[i] = Normalize(raw)
	}
	return records
}

func normalizeValue(value any) store.Value {
	switch v := value.(type) {
	case nil:
		return store.Null()
	case string:
		return store.Text(v)
	case json.Number:
		return store.Text(v.String())
	case bool:
		return store.Text(strconv.FormatBool(v))
	case float64:
		return store.Text(strconv.FormatFloat(v, 'f', -1, 64))
	case float32:
		return store.Text(strconv.FormatFloat(float64(v), 'f', -1, 32))
	case int:
		return store.Text(strconv.Itoa(v))
	case int64:
		return store.Text(strconv.FormatInt(v, 10))
	case map[string]any, []any:
		return structured(v)
	default:
		switch rv := reflect.ValueOf(v); rv.Kind() {
		case reflect.Map, reflect.Slice:
			if rv.IsNil() {
				return store.Null()
			}
			return structured(v)
		case reflect.Array:
			return structured(v)
		}
		return store.Text(fmt.Sprint(v))
	}
}

// structured encodes a collection as JSON. encoding/json sorts map keys, so
// equal inputs serialize identically.
func structured(v any) store.Value {
	raw, err := json.Marshal(v)
	if err != nil {
		return store.Text(fmt.Sprint(v))
	}
	return store.Structured(raw)
}
