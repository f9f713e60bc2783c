package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/model"
)

// Decoder turns a raw byte stream into RawRecords according to a declared
// field mapping. A record whose fields fail coercion is returned marked
// invalid with its original text; it never aborts the rest of the stream.
type Decoder struct {
	mapping model.FieldMapping
}

// NewDecoder creates a decoder for the given mapping.
func NewDecoder(mapping model.FieldMapping) *Decoder {
	return &Decoder{mapping: mapping}
}

// Decode reads the whole stream. An empty stream yields zero records and no
// error. Stream-level failures (malformed CSV framing, read errors) abort
// decoding; record-level failures only mark the one record invalid.
func (d *Decoder) Decode(r io.Reader) ([]model.RawRecord, error) {
	switch d.mapping.Format {
	case model.FormatCSV:
		return d.decodeCSV(r)
	case model.FormatJSON:
		return d.decodeJSON(r)
	}
	return nil, fmt.Errorf("unsupported format %q", d.mapping.Format)
}

// decodeCSV reads positional rows. The first row is the header and is
// always skipped, matching the upstream ingestion policy.
func (d *Decoder) decodeCSV(r io.Reader) ([]model.RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var out []model.RawRecord
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv read failed: %w", err)
		}
		if first {
			first = false
			continue
		}

		raw := strings.Join(row, ",")
		rec := model.RawRecord{Raw: raw}

		obs, err := d.observationFromRow(row)
		if err != nil {
			rec.Invalid = true
			rec.Error = err.Error()
		} else {
			rec.Observation = obs
		}
		out = append(out, rec)
	}
	return out, nil
}

// decodeJSON reads newline-delimited JSON objects and resolves each mapped
// column through its declared path.
func (d *Decoder) decodeJSON(r io.Reader) ([]model.RawRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []model.RawRecord
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		rec := model.RawRecord{Raw: line}

		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			rec.Invalid = true
			rec.Error = fmt.Sprintf("invalid json: %v", err)
			out = append(out, rec)
			continue
		}

		obs, err := d.observationFromDoc(doc)
		if err != nil {
			rec.Invalid = true
			rec.Error = err.Error()
		} else {
			rec.Observation = obs
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	return out, nil
}

func (d *Decoder) observationFromRow(row []string) (model.RawObservation, error) {
	var obs model.RawObservation
	for _, col := range d.mapping.Columns {
		var raw any
		if col.Ordinal < len(row) {
			raw = row[col.Ordinal]
		}
		if err := assignField(&obs, col, raw); err != nil {
			return model.RawObservation{}, err
		}
	}
	return validate(obs)
}

func (d *Decoder) observationFromDoc(doc map[string]any) (model.RawObservation, error) {
	var obs model.RawObservation
	for _, col := range d.mapping.Columns {
		raw := resolvePath(doc, col.Path)
		if err := assignField(&obs, col, raw); err != nil {
			return model.RawObservation{}, err
		}
	}
	return validate(obs)
}

func validate(obs model.RawObservation) (model.RawObservation, error) {
	if obs.Filename == "" {
		return model.RawObservation{}, fmt.Errorf("field %s is required", model.ColFilename)
	}
	if obs.Status == "" {
		return model.RawObservation{}, fmt.Errorf("field %s is required", model.ColStatus)
	}
	return obs, nil
}

// resolvePath walks a $.a.b.c path through nested objects. A missing step
// resolves to nil, which downstream coercion treats as a null field.
func resolvePath(doc map[string]any, path string) any {
	path = strings.TrimPrefix(path, "$.")
	if path == "" {
		return nil
	}

	var cur any = doc
	for _, step := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[step]
		if !ok {
			return nil
		}
	}
	return cur
}

func assignField(obs *model.RawObservation, col model.ColumnMapping, raw any) error {
	switch col.Column {
	case model.ColFilename:
		s, err := coerceString(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		if s != nil {
			obs.Filename = *s
		}
	case model.ColSourcePresent:
		b, err := coerceBool(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		obs.SourcePresent = b
	case model.ColTargetPresent:
		b, err := coerceBool(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		obs.TargetPresent = b
	case model.ColSourceLastModifiedUtc:
		t, err := coerceDatetime(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		obs.SourceLastModifiedUtc = t
	case model.ColTargetLastModifiedUtc:
		t, err := coerceDatetime(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		obs.TargetLastModifiedUtc = t
	case model.ColAgeMinutes:
		f, err := coerceReal(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		obs.AgeMinutes = f
	case model.ColStatus:
		s, err := coerceString(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		if s != nil {
			obs.Status = *s
		}
	case model.ColNotes:
		s, err := coerceString(raw)
		if err != nil {
			return fieldErr(col, err)
		}
		obs.Notes = s
	default:
		return fmt.Errorf("mapping names unknown column %q", col.Column)
	}
	return nil
}

func fieldErr(col model.ColumnMapping, err error) error {
	return fmt.Errorf("field %s: %w", col.Column, err)
}

func coerceString(raw any) (*string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return &v, nil
	}
	return nil, fmt.Errorf("expected string, got %T", raw)
}

func coerceBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case nil:
		return false, fmt.Errorf("expected bool, got null")
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return false, fmt.Errorf("cannot parse %q as bool", v)
	}
	return false, fmt.Errorf("expected bool, got %T", raw)
}

func coerceReal(raw any) (*float64, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case float64:
		return &v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as real", v)
		}
		return &f, nil
	}
	return nil, fmt.Errorf("expected real, got %T", raw)
}

// datetimeLayouts are accepted in order. RFC 3339 is canonical; the space
// separated form shows up in CSV exports.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func coerceDatetime(raw any) (*time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		for _, layout := range datetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, fmt.Errorf("cannot parse %q as datetime", v)
	}
	return nil, fmt.Errorf("expected datetime, got %T", raw)
}
