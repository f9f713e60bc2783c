package model

import "fmt"

// FieldType is the declared type a staging column coerces to.
type FieldType string

const (
	FieldBool     FieldType = "bool"
	FieldReal     FieldType = "real"
	FieldDatetime FieldType = "datetime"
	FieldString   FieldType = "string"
)

// ColumnMapping binds one staging column to its position (CSV) or JSON
// path (record-oriented input) and its declared type.
type ColumnMapping struct {
	Column  string    `json:"column"`
	Type    FieldType `json:"type"`
	Ordinal int       `json:"ordinal,omitempty"`
	Path    string    `json:"path,omitempty"`
}

// FieldMapping is the declared per-format field mapping for the one
// staging schema. Both ingest formats map onto the same eight columns.
type FieldMapping struct {
	Name    string          `json:"name"`
	Format  Format          `json:"format"`
	Columns []ColumnMapping `json:"columns"`
}

// Staging schema column names, in positional order.
const (
	ColFilename              = "Filename"
	ColSourcePresent         = "SourcePresent"
	ColTargetPresent         = "TargetPresent"
	ColSourceLastModifiedUtc = "SourceLastModifiedUtc"
	ColTargetLastModifiedUtc = "TargetLastModifiedUtc"
	ColAgeMinutes            = "AgeMinutes"
	ColStatus                = "Status"
	ColNotes                 = "Notes"
)

var stagingColumns = []struct {
	name string
	typ  FieldType
}{
	{ColFilename, FieldString},
	{ColSourcePresent, FieldBool},
	{ColTargetPresent, FieldBool},
	{ColSourceLastModifiedUtc, FieldDatetime},
	{ColTargetLastModifiedUtc, FieldDatetime},
	{ColAgeMinutes, FieldReal},
	{ColStatus, FieldString},
	{ColNotes, FieldString},
}

// DefaultCSVMapping returns the positional-column mapping for CSV input.
func DefaultCSVMapping() FieldMapping {
	m := FieldMapping{Name: "transfer_events_csv", Format: FormatCSV}
	for i, c := range stagingColumns {
		m.Columns = append(m.Columns, ColumnMapping{Column: c.name, Type: c.typ, Ordinal: i})
	}
	return m
}

// DefaultJSONMapping returns the path-addressed mapping for NDJSON input.
func DefaultJSONMapping() FieldMapping {
	m := FieldMapping{Name: "transfer_events_json", Format: FormatJSON}
	for _, c := range stagingColumns {
		m.Columns = append(m.Columns, ColumnMapping{Column: c.name, Type: c.typ, Path: "$." + c.name})
	}
	return m
}

// MappingByName resolves a declared mapping by name.
func MappingByName(name string) (FieldMapping, error) {
	switch name {
	case "", "transfer_events_csv":
		return DefaultCSVMapping(), nil
	case "transfer_events_json":
		return DefaultJSONMapping(), nil
	}
	return FieldMapping{}, fmt.Errorf("unknown field mapping %q", name)
}

// MappingForFormat resolves the default mapping for a format.
func MappingForFormat(f Format) (FieldMapping, error) {
	switch f {
	case FormatCSV:
		return DefaultCSVMapping(), nil
	case FormatJSON:
		return DefaultJSONMapping(), nil
	}
	return FieldMapping{}, fmt.Errorf("no default mapping for format %q", f)
}
