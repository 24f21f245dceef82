package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	storeTimeout    = 3 * time.Second
)

// getStats handles GET /api/stats. It returns {"stats": {...}} with corpus
// counters and total model spend, or 500 if the store call fails.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	stats, err := s.articles.Stats(ctx)
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// listRuns handles GET /api/runs?stage=&limit=&offset=. It returns a JSON
// object {"runs": [...]} newest first, 400 for invalid filters, or 500 if
// the store call fails.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stage := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("stage")))
	if !validStage(stage) {
		writeError(w, http.StatusBadRequest, "invalid stage")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	runs, err := s.runs.ListRuns(ctx, stage, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []pipeline.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// getRun handles GET /api/runs/{run_id}. It returns {"run": {...}} on
// success, 400 for malformed IDs, 404 for unknown runs, or 500 otherwise.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func validStage(stage string) bool {
	switch stage {
	case "", "scrape", "content", "analyze", "clean", "enhance":
		return true
	}
	return false
}
