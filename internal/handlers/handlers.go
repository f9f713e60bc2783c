package handlers

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/aggregate"
	"github.com/telhawk-systems/transferpipe/internal/alerts"
	"github.com/telhawk-systems/transferpipe/internal/config"
	"github.com/telhawk-systems/transferpipe/internal/ingest"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/internal/repository"
	"github.com/telhawk-systems/transferpipe/pkg/httputil"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

const (
	maxIngestBody = 256 * 1024 * 1024
	maxScanLimit  = 10000
)

// API serves the pipeline's query and ingest endpoints.
type API struct {
	repo       repository.Repository
	controller *ingest.Controller
	signals    []alerts.Signal
	alertCfg   config.AlertsConfig
	logger     *logging.Logger
	ready      func() bool
}

// NewAPI creates the handler set. ready gates the readiness probe.
func NewAPI(
	repo repository.Repository,
	controller *ingest.Controller,
	signals []alerts.Signal,
	alertCfg config.AlertsConfig,
	logger *logging.Logger,
	ready func() bool,
) *API {
	return &API{
		repo:       repo,
		controller: controller,
		signals:    signals,
		alertCfg:   alertCfg,
		logger:     logger,
		ready:      ready,
	}
}

// Health responds to liveness probes.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready responds to readiness probes.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil && !a.ready() {
		httputil.WriteError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Ingest accepts a raw payload for the format given in the query string and
// buffers it. The default field mapping for the format can be overridden with
// ?mapping=. With flush=true the open batch seals immediately instead of
// waiting for a threshold, which is what the CLI's one-shot path uses.
func (a *API) Ingest(w http.ResponseWriter, r *http.Request) {
	format, ok := model.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "format must be csv or json")
		return
	}
	source := r.URL.Query().Get("source")
	if source == "" {
		source = "http"
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var mapping model.FieldMapping
	if name := r.URL.Query().Get("mapping"); name != "" {
		mapping, err = model.MappingByName(name)
	} else {
		mapping, err = model.MappingForFormat(format)
	}
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := ingest.NewDecoder(mapping).Decode(bytes.NewReader(body))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("failed to decode payload: %v", err))
		return
	}
	if len(records) == 0 {
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"records": 0})
		return
	}

	invalid := 0
	for _, rec := range records {
		if rec.Invalid {
			invalid++
		}
	}

	handle, err := a.controller.Accept(r.Context(), source, format, records)
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if r.URL.Query().Get("flush") == "true" {
		if err := a.controller.FlushFormat(r.Context(), format); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": handle.BatchID,
		"records":  len(records),
		"invalid":  invalid,
	})
}

// Observations serves a time-bounded scan of the canonical store. Both time
// bounds are required; unbounded scans are rejected.
func (a *API) Observations(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeBounds(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := repository.ScanQuery{From: from, To: to, Limit: 1000}
	if v := r.URL.Query().Get("after_seq"); v != "" {
		q.AfterSeq, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "after_seq must be an integer")
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, err = strconv.Atoi(v)
		if err != nil || q.Limit <= 0 || q.Limit > maxScanLimit {
			httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("limit must be in 1..%d", maxScanLimit))
			return
		}
	}
	if r.URL.Query().Get("order") == "timestamp" {
		q.OrderByTimestamp = true
	}

	recs, err := a.repo.ScanByTime(r.Context(), q)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "observation scan failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	if recs == nil {
		recs = []repository.CommittedObservation{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"observations": recs,
		"count":        len(recs),
	})
}

// dailySummary is the read-side shape of a rollup row: stored measures plus
// the ratios derived at read time.
type dailySummary struct {
	Date            string   `json:"date"`
	TotalCount      int64    `json:"total_count"`
	OkCount         int64    `json:"ok_count"`
	MissingCount    int64    `json:"missing_count"`
	DelayedCount    int64    `json:"delayed_count"`
	AvgAgeMinutes   *float64 `json:"avg_age_minutes"`
	SlaAdherencePct float64  `json:"sla_adherence_pct"`
}

func toSummary(agg model.DailyAggregate) dailySummary {
	s := dailySummary{
		Date:            agg.Date.Format("2006-01-02"),
		TotalCount:      agg.TotalCount,
		OkCount:         agg.OkCount,
		MissingCount:    agg.MissingCount,
		DelayedCount:    agg.DelayedCount,
		SlaAdherencePct: agg.SlaAdherencePct(),
	}
	if avg, ok := agg.AvgAgeMinutes(); ok {
		s.AvgAgeMinutes = &avg
	}
	return s
}

// SummaryDaily lists rollup rows between from and to (inclusive days).
func (a *API) SummaryDaily(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeBounds(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := a.repo.ListDaily(r.Context(), from, to)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "daily summary query failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]dailySummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, toSummary(row))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"days": out})
}

// Percentile serves an age quantile for one day, computed from the day's
// stored sketch.
func (a *API) Percentile(w http.ResponseWriter, r *http.Request) {
	day, err := time.Parse("2006-01-02", r.PathValue("date"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	p := 0.95
	if v := r.URL.Query().Get("p"); v != "" {
		p, err = strconv.ParseFloat(v, 64)
		if err != nil || p < 0 || p > 1 {
			httputil.WriteError(w, http.StatusBadRequest, "p must be in [0,1]")
			return
		}
	}

	agg, err := a.repo.GetDaily(r.Context(), day)
	if err != nil {
		if err == repository.ErrAggregateNotFound {
			httputil.WriteError(w, http.StatusNotFound, "no aggregate for that day")
			return
		}
		a.logger.ErrorContext(r.Context(), "percentile query failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}

	sketch, err := aggregate.SketchFromBytes(agg.AgeSketch)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "sketch restore failed", "date", day, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "sketch restore failed")
		return
	}

	value, ok := sketch.Quantile(p)
	resp := map[string]any{
		"date":      day.Format("2006-01-02"),
		"p":         p,
		"age_count": agg.AgeCount,
	}
	if ok {
		resp["age_minutes"] = value
	} else {
		resp["age_minutes"] = nil
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// Errors serves dead-letter entries in a time window.
func (a *API) Errors(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeBounds(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := a.repo.Query(r.Context(), from, to)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "dead-letter query failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if entries == nil {
		entries = []model.DeadLetterEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"errors": entries,
		"count":  len(entries),
	})
}

// ErrorsCount serves the dead-letter count in a time window.
func (a *API) ErrorsCount(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeBounds(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := a.repo.Count(r.Context(), from, to)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "dead-letter count failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"count": n})
}

// signalStatus is one signal measured over the trailing alert window.
type signalStatus struct {
	Signal    string  `json:"signal"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Active    bool    `json:"active"`
}

// Signals measures every threshold signal over the trailing window on
// demand, independent of the background evaluator's edge detection. The
// configured window can be overridden with ?window=.
func (a *API) Signals(w http.ResponseWriter, r *http.Request) {
	window := a.alertCfg.Window
	if v := r.URL.Query().Get("window"); v != "" {
		var err error
		window, err = time.ParseDuration(v)
		if err != nil || window <= 0 {
			httputil.WriteError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
	}

	to := time.Now().UTC()
	from := to.Add(-window)

	out := make([]signalStatus, 0, len(a.signals))
	for _, sig := range a.signals {
		value, err := sig.Measure(r.Context(), from, to)
		if err != nil {
			a.logger.ErrorContext(r.Context(), "signal measurement failed", "signal", sig.Name, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "signal measurement failed")
			return
		}
		out = append(out, signalStatus{
			Signal:    sig.Name,
			Value:     value,
			Threshold: sig.Threshold,
			Active:    value >= sig.Threshold,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"window":  window.String(),
		"signals": out,
	})
}

// timeBounds parses the required from/to query parameters. RFC 3339 and
// plain dates are both accepted; the window is [from, to).
func timeBounds(r *http.Request) (time.Time, time.Time, error) {
	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid or missing from parameter: %w", err)
	}
	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid or missing to parameter: %w", err)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}
	return from, to, nil
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("must be RFC 3339 or YYYY-MM-DD")
}
