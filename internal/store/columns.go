package store

import (
	"encoding/json"
	"fmt"
)

const (
	// IDColumn is the natural key of the bronze table
	IDColumn = "service_request_id"

	// RequestedColumn holds the creation timestamp used for the window lower bound
	RequestedColumn = "requested_datetime"

	// UpdatedColumn holds the last-modified timestamp used for incremental pulls
	UpdatedColumn = "updated_datetime"

	// ExtraFieldsColumn keeps attributes outside the fixed column set as a JSON object
	ExtraFieldsColumn = "extra_fields"

	// InsertedAtColumn records when the row was last written by a sync
	InsertedAtColumn = "inserted_at"
)

// DataColumns are the fixed bronze attributes besides the identifier, in table order
var DataColumns = []string{
	RequestedColumn,
	"closed_date",
	UpdatedColumn,
	"status_description",
	"status_notes",
	"agency_responsible",
	"service_name",
	"service_subtype",
	"service_details",
	"address",
	"street",
	"supervisor_district",
	"neighborhoods_sffind_boundaries",
	"analysis_neighborhood",
	"police_district",
	"lat",
	"long",
	"point",
	"point_geom",
	"source",
	"media_url",
	"bos_2012",
	"data_as_of",
	"data_loaded_at",
}

var knownColumns = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DataColumns)+1)
	m[IDColumn] = struct{}{}
	for _, c := range DataColumns {
		m[c] = struct{}{}
	}
	return m
}()

// WriteColumns returns the columns written by an upsert, in the order of Row
func WriteColumns() []string {
	cols := make([]string, 0, len(DataColumns)+2)
	cols = append(cols, IDColumn)
	cols = append(cols, DataColumns...)
	cols = append(cols, ExtraFieldsColumn)
	return cols
}

// IsKnownColumn reports whether the attribute has its own bronze column
func IsKnownColumn(name string) bool {
	_, ok := knownColumns[name]
	return ok
}

// Row renders the record in WriteColumns order. Text columns are *string,
// extra_fields is a JSON document or nil when every attribute has a column.
func (r Record) Row() ([]any, error) {
	row := make([]any, 0, len(DataColumns)+2)
	row = append(row, r.ID)
	for _, c := range DataColumns {
		row = append(row, r.Field(c).SQLText())
	}

	extra, err := r.ExtraFields()
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	if extra == nil {
		row = append(row, nil)
	} else {
		row = append(row, string(extra))
	}
	return row, nil
}

// ExtraFields serializes the attributes without a bronze column, nil when there are none
func (r Record) ExtraFields() ([]byte, error) {
	extra := make(map[string]Value)
	for name, v := range r.Fields {
		if !IsKnownColumn(name) {
			extra[name] = v
		}
	}
	if len(extra) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize extra fields: %w", err)
	}
	return out, nil
}
