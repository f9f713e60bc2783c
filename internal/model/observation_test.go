package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDayOf(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	in := time.Date(2026, 3, 10, 2, 30, 0, 0, loc) // 2026-03-09 21:30 UTC

	got := DayOf(in)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestDailyAggregateAvgAge(t *testing.T) {
	agg := DailyAggregate{AgeSum: 37, AgeCount: 3}
	avg, ok := agg.AvgAgeMinutes()
	assert.True(t, ok)
	assert.InDelta(t, 12.333, avg, 0.001)

	empty := DailyAggregate{TotalCount: 5}
	_, ok = empty.AvgAgeMinutes()
	assert.False(t, ok, "days with only null ages have no mean")
}

func TestDailyAggregateSlaAdherence(t *testing.T) {
	agg := DailyAggregate{TotalCount: 4, OkCount: 2}
	assert.InDelta(t, 50.0, agg.SlaAdherencePct(), 0.001)

	empty := DailyAggregate{}
	assert.Equal(t, 0.0, empty.SlaAdherencePct())
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		ok   bool
	}{
		{"csv", FormatCSV, true},
		{".csv", FormatCSV, true},
		{"json", FormatJSON, true},
		{".ndjson", FormatJSON, true},
		{"xml", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseFormat(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDefaultMappings(t *testing.T) {
	csv := DefaultCSVMapping()
	assert.Len(t, csv.Columns, 8)
	for i, col := range csv.Columns {
		assert.Equal(t, i, col.Ordinal, col.Column)
		assert.Empty(t, col.Path, col.Column)
	}

	js := DefaultJSONMapping()
	assert.Len(t, js.Columns, 8)
	for _, col := range js.Columns {
		assert.Equal(t, "$."+col.Column, col.Path)
	}

	_, err := MappingByName("nope")
	assert.Error(t, err)
}
