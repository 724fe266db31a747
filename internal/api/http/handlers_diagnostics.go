package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/stream"
	"swarmstream/internal/transcode"
)

type resolveRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "metadata resolver not configured")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source is required")
		return
	}

	metadata, err := s.resolver.Resolve(r.Context(), req.Source)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metadata)
}

func (s *Server) handleSwarms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.swarms == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "swarm inspector not configured")
		return
	}

	ids := s.swarms.List(r.Context())
	infos := make([]domain.SwarmInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.swarms.Info(r.Context(), id)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSwarmByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.swarms == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "swarm inspector not configured")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/swarms/"), "/")
	info, err := s.swarms.Info(r.Context(), domain.InfoHash(strings.ToLower(id)))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "catalog not configured")
		return
	}

	limit := int64(50)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.catalog.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCatalogByID(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "catalog not configured")
		return
	}

	id := domain.InfoHash(strings.ToLower(strings.Trim(strings.TrimPrefix(r.URL.Path, "/catalog/"), "/")))

	switch r.Method {
	case http.MethodGet:
		entry, err := s.catalog.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := s.catalog.Delete(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
	}
}

type diagnosticsReport struct {
	GeneratedAt time.Time                 `json:"generatedAt"`
	Watchers    int                       `json:"watchers"`
	Streams     []stream.DiagnosticsEntry `json:"streams"`
	Swarms      []domain.SwarmInfo        `json:"swarms"`
	Transcodes  []transcode.ProcessInfo   `json:"transcodes"`
}

func (s *Server) buildDiagnostics(ctx context.Context) diagnosticsReport {
	report := diagnosticsReport{
		GeneratedAt: time.Now().UTC(),
		Watchers:    s.registry.WatcherCount(),
		Streams:     s.registry.Entries(),
	}
	if s.swarms != nil {
		ids := s.swarms.List(ctx)
		report.Swarms = make([]domain.SwarmInfo, 0, len(ids))
		for _, id := range ids {
			info, err := s.swarms.Info(ctx, id)
			if err != nil {
				continue
			}
			report.Swarms = append(report.Swarms, info)
		}
	}
	if s.processes != nil {
		report.Transcodes = s.processes.Snapshot()
	}
	return report
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	writeJSON(w, http.StatusOK, s.buildDiagnostics(r.Context()))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
