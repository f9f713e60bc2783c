// Package seeder generates synthetic transfer observations for dev and load
// testing. Output is raw payload bytes, exercising the same decode path as
// production input.
package seeder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/telhawk-systems/transferpipe/internal/model"
)

// Generator produces randomized observations with a plausible status mix:
// mostly OK, some DELAYED, a few MISSING.
type Generator struct {
	faker *gofakeit.Faker
	rng   *rand.Rand
	now   func() time.Time
}

// New creates a generator. The seed makes output reproducible.
func New(seed int64) *Generator {
	return &Generator{
		faker: gofakeit.New(seed),
		rng:   rand.New(rand.NewSource(seed)),
		now:   time.Now,
	}
}

// Observation generates one random observation with its event time spread
// over the trailing timeSpread.
func (g *Generator) Observation(timeSpread time.Duration) model.RawObservation {
	now := g.now().UTC()
	modified := now
	if timeSpread > 0 {
		modified = now.Add(-time.Duration(g.rng.Float64() * float64(timeSpread)))
	}

	filename := fmt.Sprintf("%s_%s.dat", g.faker.Word(), modified.Format("20060102"))

	obs := model.RawObservation{
		Filename:      filename,
		SourcePresent: true,
		Status:        model.StatusOK,
	}

	switch roll := g.rng.Float64(); {
	case roll < 0.75: // OK: arrived promptly
		age := g.faker.Float64Range(0.5, 15)
		target := modified.Add(time.Duration(age * float64(time.Minute)))
		obs.TargetPresent = true
		obs.SourceLastModifiedUtc = &modified
		obs.TargetLastModifiedUtc = &target
		obs.AgeMinutes = &age
	case roll < 0.90: // DELAYED: arrived, but late
		age := g.faker.Float64Range(30, 240)
		target := modified.Add(time.Duration(age * float64(time.Minute)))
		obs.Status = model.StatusDelayed
		obs.TargetPresent = true
		obs.SourceLastModifiedUtc = &modified
		obs.TargetLastModifiedUtc = &target
		obs.AgeMinutes = &age
		notes := "transfer exceeded expected window"
		obs.Notes = &notes
	default: // MISSING: never arrived
		obs.Status = model.StatusMissing
		obs.TargetPresent = false
		obs.SourceLastModifiedUtc = &modified
		notes := "file not found on target"
		obs.Notes = &notes
	}

	return obs
}

// CSV renders n random observations as a CSV payload with a header row, in
// the staging schema's positional column order.
func (g *Generator) CSV(n int, timeSpread time.Duration) []byte {
	var buf bytes.Buffer
	buf.WriteString("Filename,SourcePresent,TargetPresent,SourceLastModifiedUtc,TargetLastModifiedUtc,AgeMinutes,Status,Notes\n")

	for i := 0; i < n; i++ {
		obs := g.Observation(timeSpread)
		fields := []string{
			obs.Filename,
			fmt.Sprintf("%t", obs.SourcePresent),
			fmt.Sprintf("%t", obs.TargetPresent),
			formatTime(obs.SourceLastModifiedUtc),
			formatTime(obs.TargetLastModifiedUtc),
			formatReal(obs.AgeMinutes),
			obs.Status,
			formatNote(obs.Notes),
		}
		buf.WriteString(strings.Join(fields, ","))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// NDJSON renders n random observations as newline-delimited JSON, keyed by
// the staging schema's column names.
func (g *Generator) NDJSON(n int, timeSpread time.Duration) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		obs := g.Observation(timeSpread)
		doc := map[string]any{
			model.ColFilename:      obs.Filename,
			model.ColSourcePresent: obs.SourcePresent,
			model.ColTargetPresent: obs.TargetPresent,
			model.ColStatus:        obs.Status,
		}
		if obs.SourceLastModifiedUtc != nil {
			doc[model.ColSourceLastModifiedUtc] = obs.SourceLastModifiedUtc.Format(time.RFC3339)
		}
		if obs.TargetLastModifiedUtc != nil {
			doc[model.ColTargetLastModifiedUtc] = obs.TargetLastModifiedUtc.Format(time.RFC3339)
		}
		if obs.AgeMinutes != nil {
			doc[model.ColAgeMinutes] = *obs.AgeMinutes
		}
		if obs.Notes != nil {
			doc[model.ColNotes] = *obs.Notes
		}

		line, _ := json.Marshal(doc)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatReal(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *f)
}

func formatNote(s *string) string {
	if s == nil {
		return ""
	}
	// Keep CSV framing simple: notes never contain commas.
	return strings.ReplaceAll(*s, ",", ";")
}
