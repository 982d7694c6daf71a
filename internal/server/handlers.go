package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hed1ad/txguard/internal/metrics"
	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/detectors"
	csvio "github.com/hed1ad/txguard/pkg/io/csv"
)

// maxUploadBytes caps the body of POST /api/score.
const maxUploadBytes = 64 << 20

type alertsResponse struct {
	Alerts []alerts.Record `json:"alerts"`
	Count  int             `json:"count"`
}

type alertResponse struct {
	Alert alerts.Record `json:"alert"`
	State string        `json:"state"`
}

type snoozeResponse struct {
	TransactionID string    `json:"transaction_id"`
	SnoozedUntil  time.Time `json:"snoozed_until"`
}

type scoreResponse struct {
	RunID    string `json:"run_id"`
	Scored   int    `json:"scored"`
	Flagged  int    `json:"flagged"`
	Inserted int    `json:"inserted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics refreshes the queue gauges before each scrape.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if sum, err := s.lifecycle.Summary(r.Context(), s.lifecycle.Now()); err == nil {
		s.metrics.SetQueue(sum.Total, sum.Active)
	} else {
		s.log.Warn().Err(err).Msg("Failed to refresh alert gauges")
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// handleActive handles GET /api/alerts
// Returns alerts due for review, highest score first.
func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	limit, err := s.parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	records, err := s.lifecycle.Active(r.Context(), s.lifecycle.Now(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alertsResponse{Alerts: nonNil(records), Count: len(records)})
}

// handleAll handles GET /api/alerts/all
// Returns every stored alert regardless of state.
func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	records, err := s.lifecycle.Store().List(r.Context(), alerts.Query{})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alertsResponse{Alerts: nonNil(records), Count: len(records)})
}

// handleGet handles GET /api/alerts/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.lifecycle.Store().Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	state := alerts.StateAt(rec, s.lifecycle.Now())
	s.writeJSON(w, http.StatusOK, alertResponse{Alert: rec, State: state.String()})
}

// handleAcknowledge handles POST /api/alerts/{id}/acknowledge
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Acknowledge(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.ObserveReview(metrics.ActionAcknowledge)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"transaction_id": id,
		"state":          alerts.StateAcknowledged.String(),
	})
}

// handleSnooze handles POST /api/alerts/{id}/snooze
// Accepts minutes as a query or form value; the default applies when absent.
func (s *Server) handleSnooze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d := s.defaultSnooze
	if v := r.FormValue("minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid minutes %q", v))
			return
		}
		if d, err = alerts.SnoozeMinutes(minutes); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	until, err := s.lifecycle.Snooze(r.Context(), id, d)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.ObserveReview(metrics.ActionSnooze)
	s.writeJSON(w, http.StatusOK, snoozeResponse{TransactionID: id, SnoozedUntil: until})
}

// handleSummary handles GET /api/summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.lifecycle.Summary(r.Context(), s.lifecycle.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.SetQueue(sum.Total, sum.Active)
	s.writeJSON(w, http.StatusOK, sum)
}

// handleScore handles POST /api/score
// Scores a CSV batch with the loaded model and stores the flagged rows.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("no trained model loaded"))
		return
	}

	rate := s.rate
	if v := r.URL.Query().Get("rate"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid rate %q", v))
			return
		}
		rate = parsed
	}

	reader, err := csvio.NewStreamReader(http.MaxBytesReader(w, r.Body, maxUploadBytes),
		csvio.WithNumeric(s.model.Params.Fields...))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	txs, err := reader.Read()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	res, err := s.pipeline.Run(txs, s.model.Params, s.model.Forest, rate)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	inserted, err := s.lifecycle.Store().UpsertInitial(r.Context(), res.Candidates)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.ObserveRun(len(txs), len(res.Candidates), time.Since(start))

	s.log.Info().
		Str("run_id", res.RunID).
		Int("scored", len(txs)).
		Int("flagged", len(res.Candidates)).
		Int("inserted", inserted).
		Msg("Scored uploaded batch")

	s.writeJSON(w, http.StatusOK, scoreResponse{
		RunID:    res.RunID,
		Scored:   len(txs),
		Flagged:  len(res.Candidates),
		Inserted: inserted,
	})
}

func (s *Server) parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return s.listLimit, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return limit, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerts.ErrInvalidDuration),
		errors.Is(err, alerts.ErrInvalidCandidate),
		errors.Is(err, detectors.ErrEmptyInput),
		errors.Is(err, detectors.ErrInvalidRate),
		errors.Is(err, detectors.ErrDimensionMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func nonNil(records []alerts.Record) []alerts.Record {
	if records == nil {
		return []alerts.Record{}
	}
	return records
}
