package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"wotscan/internal/discovery"
	"wotscan/internal/netopt"
)

const maxRequestBody = 1 << 20

type discoverRequest struct {
	URLs []string `json:"urls"`
}

type statsResponse struct {
	netopt.Stats
	HitRatio        float64 `json:"hitRatio"`
	CacheEntries    int     `json:"cacheEntries"`
	PendingRequests int     `json:"pendingRequests"`
	DiskEntries     int     `json:"diskEntries"`
	DiskBytes       int64   `json:"diskBytes"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"pendingRequests": s.opt.PendingCount(),
	})
}

func (s *Service) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls must not be empty")
		return
	}

	res, err := s.engine.DiscoverThings(r.Context(), req.URLs, nil)
	if err != nil {
		if netopt.IsCancelled(err) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error("discover", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.engine.PrefetchPlaceholders(res.Discovered)
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.engine.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

func (s *Service) handleThing(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	t, err := s.engine.DiscoverSingleThing(r.Context(), u.String())
	if err != nil {
		writeError(w, thingErrorStatus(err), err.Error())
		return
	}
	s.engine.Validate(&t)
	writeJSON(w, http.StatusOK, t)
}

func thingErrorStatus(err error) int {
	var httpErr *netopt.HTTPError
	switch {
	case netopt.IsCancelled(err):
		return http.StatusConflict
	case errors.Is(err, discovery.ErrUnknownShape), errors.Is(err, netopt.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.opt.Stats()
	diskEntries, diskBytes := s.opt.DiskUsage()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:           st,
		HitRatio:        st.HitRatio(),
		CacheEntries:    s.opt.Cache().Len(),
		PendingRequests: s.opt.PendingCount(),
		DiskEntries:     diskEntries,
		DiskBytes:       diskBytes,
	})
}

func (s *Service) handleResetStats(w http.ResponseWriter, _ *http.Request) {
	s.opt.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleClearCache(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	n := s.opt.ClearCache(prefix)
	s.log.Info("cache cleared", zap.String("prefix", prefix), zap.Int("removed", n))
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Service) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.registry.(discovery.EndpointLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "registry cannot list endpoints")
		return
	}
	eps, err := lister.List(r.Context())
	if err != nil {
		s.log.Error("list endpoints", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}
