package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// Object kinds understood by the registry.
const (
	KindTable     = "table"
	KindMapping   = "mapping"
	KindPolicy    = "policy"
	KindRule      = "rule"
	KindAggregate = "aggregate"
)

// Object is one declared pipeline object. Objects are applied in declaration
// order; every name in DependsOn must be declared earlier in the list.
type Object struct {
	Name      string
	Kind      string
	DependsOn []string
	Spec      any
}

// Report summarizes one Apply pass.
type Report struct {
	Applied []string
	Skipped []string
}

// Registry applies declared pipeline objects idempotently. Each object's
// spec is content-hashed; re-applying an unchanged declaration is a no-op,
// and a changed declaration overwrites the stored one under the same name.
type Registry struct {
	store   repository.SchemaStore
	objects []Object
	logger  *logging.Logger
}

// New creates a registry over the given declarations.
func New(store repository.SchemaStore, objects []Object, logger *logging.Logger) *Registry {
	return &Registry{store: store, objects: objects, logger: logger}
}

// Apply walks the declarations in order and records every object whose
// content hash differs from the stored one. It fails fast on the first
// dependency-ordering violation or store error, leaving earlier objects
// applied.
func (r *Registry) Apply(ctx context.Context) (*Report, error) {
	applied, err := r.store.AppliedObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load applied objects: %w", err)
	}

	seen := make(map[string]bool, len(r.objects))
	report := &Report{}

	for _, obj := range r.objects {
		if seen[obj.Name] {
			return report, fmt.Errorf("object %q declared twice", obj.Name)
		}
		for _, dep := range obj.DependsOn {
			if !seen[dep] {
				return report, fmt.Errorf("object %q depends on %q which is not declared before it", obj.Name, dep)
			}
		}
		seen[obj.Name] = true

		spec, err := json.Marshal(obj.Spec)
		if err != nil {
			return report, fmt.Errorf("failed to marshal spec for %q: %w", obj.Name, err)
		}
		hash := contentHash(obj.Kind, spec)

		if applied[obj.Name] == hash {
			report.Skipped = append(report.Skipped, obj.Name)
			continue
		}

		if err := r.store.RecordObject(ctx, obj.Name, obj.Kind, hash, spec); err != nil {
			return report, fmt.Errorf("failed to apply object %q: %w", obj.Name, err)
		}
		r.logger.WithContext(ctx).Info("applied schema object",
			"name", obj.Name,
			"kind", obj.Kind,
			"hash", hash[:12],
		)
		report.Applied = append(report.Applied, obj.Name)
	}

	return report, nil
}

func contentHash(kind string, spec []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(spec)
	return hex.EncodeToString(h.Sum(nil))
}

// retentionSpec declares a store's retention horizon.
type retentionSpec struct {
	Store       string `json:"store"`
	SoftDelete  string `json:"soft_delete"`
	Recoverable bool   `json:"recoverable"`
}

// batchingSpec declares the seal thresholds for the ingestion buffer.
type batchingSpec struct {
	MaxAge     string `json:"max_age"`
	MaxRecords int    `json:"max_records"`
	MaxBytes   int64  `json:"max_bytes"`
}

// derivationSpec declares the staging-to-canonical transformation rule.
type derivationSpec struct {
	Source        string `json:"source"`
	Destination   string `json:"destination"`
	Timestamp     string `json:"timestamp"`
	Transactional bool   `json:"transactional"`
}

// aggregateSpec declares the daily rollup definition.
type aggregateSpec struct {
	Source    string   `json:"source"`
	GroupBy   string   `json:"group_by"`
	Measures  []string `json:"measures"`
	Retention string   `json:"retention"`
}

// DefaultObjects returns the full set of pipeline declarations in dependency
// order: staging schema and its mappings, retention policies, batching
// policy, the canonical derivation rule, and the daily aggregate definition.
func DefaultObjects(staging, canonical, deadLetter, aggregate time.Duration, batching BatchingParams) []Object {
	return []Object{
		{
			Name: "staging_schema",
			Kind: KindTable,
			Spec: stagingSchemaSpec(),
		},
		{
			Name:      "transfer_events_csv",
			Kind:      KindMapping,
			DependsOn: []string{"staging_schema"},
			Spec:      model.DefaultCSVMapping(),
		},
		{
			Name:      "transfer_events_json",
			Kind:      KindMapping,
			DependsOn: []string{"staging_schema"},
			Spec:      model.DefaultJSONMapping(),
		},
		{
			Name:      "staging_retention",
			Kind:      KindPolicy,
			DependsOn: []string{"staging_schema"},
			Spec:      retentionSpec{Store: "staging", SoftDelete: staging.String()},
		},
		{
			Name:      "staging_batching",
			Kind:      KindPolicy,
			DependsOn: []string{"staging_schema"},
			Spec: batchingSpec{
				MaxAge:     batching.MaxAge.String(),
				MaxRecords: batching.MaxRecords,
				MaxBytes:   batching.MaxBytes,
			},
		},
		{
			Name: "canonical_schema",
			Kind: KindTable,
			Spec: canonicalSchemaSpec(),
		},
		{
			Name:      "canonical_retention",
			Kind:      KindPolicy,
			DependsOn: []string{"canonical_schema"},
			Spec:      retentionSpec{Store: "canonical", SoftDelete: canonical.String(), Recoverable: true},
		},
		{
			Name:      "canonical_derivation",
			Kind:      KindRule,
			DependsOn: []string{"staging_schema", "canonical_schema"},
			Spec: derivationSpec{
				Source:        "staging",
				Destination:   "canonical",
				Timestamp:     "coalesce(SourceLastModifiedUtc, commit_time)",
				Transactional: true,
			},
		},
		{
			Name: "dead_letter_schema",
			Kind: KindTable,
			Spec: deadLetterSchemaSpec(),
		},
		{
			Name:      "dead_letter_retention",
			Kind:      KindPolicy,
			DependsOn: []string{"dead_letter_schema"},
			Spec:      retentionSpec{Store: "dead_letter", SoftDelete: deadLetter.String()},
		},
		{
			Name:      "daily_rollup",
			Kind:      KindAggregate,
			DependsOn: []string{"canonical_schema"},
			Spec: aggregateSpec{
				Source:  "canonical",
				GroupBy: "day(Timestamp)",
				Measures: []string{
					"total_count", "ok_count", "missing_count", "delayed_count",
					"age_sum", "age_count", "age_sketch",
				},
				Retention: aggregate.String(),
			},
		},
	}
}

// BatchingParams carries the configured seal thresholds into the
// declaration set.
type BatchingParams struct {
	MaxAge     time.Duration
	MaxRecords int
	MaxBytes   int64
}

type columnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type tableSpec struct {
	Columns []columnSpec `json:"columns"`
}

func stagingSchemaSpec() tableSpec {
	return tableSpec{Columns: []columnSpec{
		{model.ColFilename, string(model.FieldString)},
		{model.ColSourcePresent, string(model.FieldBool)},
		{model.ColTargetPresent, string(model.FieldBool)},
		{model.ColSourceLastModifiedUtc, string(model.FieldDatetime)},
		{model.ColTargetLastModifiedUtc, string(model.FieldDatetime)},
		{model.ColAgeMinutes, string(model.FieldReal)},
		{model.ColStatus, string(model.FieldString)},
		{model.ColNotes, string(model.FieldString)},
	}}
}

func canonicalSchemaSpec() tableSpec {
	base := stagingSchemaSpec()
	base.Columns = append(base.Columns, columnSpec{"Timestamp", string(model.FieldDatetime)})
	return base
}

func deadLetterSchemaSpec() tableSpec {
	return tableSpec{Columns: []columnSpec{
		{"RawPayload", string(model.FieldString)},
		{"SourceName", string(model.FieldString)},
		{"FailedAt", string(model.FieldDatetime)},
		{"Error", string(model.FieldString)},
		{"CorrelationID", string(model.FieldString)},
	}}
}
