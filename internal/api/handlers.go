package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/market-sync/internal/errors"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/service"
)

const healthCheckTimeout = 3 * time.Second

// SyncResponse is returned by the sync triggers
type SyncResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Result  interface{} `json:"result,omitempty"`
}

// handleHealth reports the reachability of every registered dependency
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status, code := "healthy", http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      "market-sync",
		"dependencies": deps,
	})
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		respondUnavailable(w, "sync")
		return
	}
	reports, err := s.sync.SyncEvents(s.requestContext(r))
	if err != nil {
		respondServiceError(w, logging.FromContext(r.Context()), err)
		return
	}

	stored := 0
	for _, rep := range reports {
		stored += rep.EventsStored
	}
	respondJSON(w, http.StatusOK, SyncResponse{
		Status:  "completed",
		Message: "event sync completed, " + strconv.Itoa(stored) + " new events stored",
		Result:  reports,
	})
}

func (s *Server) handleSyncListings(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		respondUnavailable(w, "sync")
		return
	}
	res, err := s.sync.SyncListings(s.requestContext(r))
	respondReconcile(w, logging.FromContext(r.Context()), "listing", res, err)
}

func (s *Server) handleSyncCollectibles(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		respondUnavailable(w, "sync")
		return
	}
	res, err := s.sync.SyncCollectibles(s.requestContext(r))
	respondReconcile(w, logging.FromContext(r.Context()), "collectible", res, err)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondUnavailable(w, "sync status")
		return
	}
	respondJSON(w, http.StatusOK, s.status.GetStatus())
}

func respondReconcile(w http.ResponseWriter, logger *logging.Logger, job string, res *service.ReconcileResult, err error) {
	if err != nil {
		respondServiceError(w, logger, err)
		return
	}
	if res != nil && res.InProgress {
		respondJSON(w, http.StatusAccepted, SyncResponse{
			Status:  "in_progress",
			Message: job + " sync already in progress",
		})
		return
	}
	respondJSON(w, http.StatusOK, SyncResponse{
		Status:  "completed",
		Message: job + " sync completed",
		Result:  res,
	})
}

// handleGetOwnedTokens serves GET /api/v1/owners/{address}/tokens?page=&perPage=
func (s *Server) handleGetOwnedTokens(w http.ResponseWriter, r *http.Request) {
	if s.ownership == nil {
		respondUnavailable(w, "ownership")
		return
	}
	address := mux.Vars(r)["address"]

	page, err := queryInt(r, "page", 1)
	if err != nil {
		respondServiceError(w, logging.FromContext(r.Context()), err)
		return
	}
	perPage, err := queryInt(r, "perPage", service.DefaultPerPage)
	if err != nil {
		respondServiceError(w, logging.FromContext(r.Context()), err)
		return
	}

	result, err := s.ownership.GetOwnedTokens(r.Context(), address, page, perPage)
	if err != nil {
		respondServiceError(w, logging.FromContext(r.Context()), err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleClearCache serves DELETE /api/v1/cache?pattern=; no pattern clears everything
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		respondUnavailable(w, "cache")
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))

	var err error
	if pattern == "" {
		err = s.cache.Clear(r.Context())
	} else {
		err = s.cache.Clear(r.Context(), pattern)
	}
	if err != nil {
		respondServiceError(w, logging.FromContext(r.Context()), err)
		return
	}

	scope := pattern
	if scope == "" {
		scope = "*"
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "cleared",
		"pattern": scope,
	})
}

// requestContext detaches sync runs from client disconnects; a sync that
// was started is finished so that its lock and watermark stay consistent.
func (s *Server) requestContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewInvalidParameterError(name, "must be an integer")
	}
	return v, nil
}
