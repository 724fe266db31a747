package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/stream"
)

type openStreamRequest struct {
	Source    string `json:"source"`
	FileIndex int    `json:"fileIndex"`

	// StartSeconds seeks the transcoded output. Players seek a transcoded
	// stream by closing the watcher and reopening from the new offset.
	StartSeconds float64 `json:"startSeconds,omitempty"`
}

type openStreamResponse struct {
	WatcherID string          `json:"watcherId"`
	InfoHash  domain.InfoHash `json:"infoHash"`
	FileIndex int             `json:"fileIndex"`
	StreamURL string          `json:"streamUrl"`
	EventsURL string          `json:"eventsUrl"`
	StatusURL string          `json:"statusUrl"`
}

type streamStatusResponse struct {
	WatcherID  string                  `json:"watcherId"`
	InfoHash   domain.InfoHash         `json:"infoHash"`
	FileIndex  int                     `json:"fileIndex"`
	CreatedAt  string                  `json:"createdAt"`
	Ready      bool                    `json:"ready"`
	Transcoded *bool                   `json:"transcoded,omitempty"`
	FileName   string                  `json:"fileName,omitempty"`
	Status     domain.ConnectionStatus `json:"status"`
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	var req openStreamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "source is required")
		return
	}

	watcher, err := s.registry.OpenAt(r.Context(), req.Source, req.FileIndex, req.StartSeconds)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	base := "/streams/" + watcher.ID
	writeJSON(w, http.StatusCreated, openStreamResponse{
		WatcherID: watcher.ID,
		InfoHash:  watcher.Key.InfoHash,
		FileIndex: watcher.Key.FileIndex,
		StreamURL: base + "/data",
		EventsURL: base + "/events",
		StatusURL: base,
	})
}

func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "watcher id missing")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleStreamStatus(w, r, id)
		case http.MethodDelete:
			s.registry.Close(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or DELETE")
		}
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "data":
			s.handleStreamData(w, r, id)
			return
		case "events":
			s.handleStreamEvents(w, r, id)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "unknown stream resource")
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request, id string) {
	watcher, err := s.registry.Watcher(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	watcher.Touch()

	resp := streamStatusResponse{
		WatcherID: watcher.ID,
		InfoHash:  watcher.Key.InfoHash,
		FileIndex: watcher.Key.FileIndex,
		CreatedAt: watcher.CreatedAt.Format(time.RFC3339),
		Ready:     watcher.Done(),
		Status:    watcher.Status.Current(),
	}
	if watcher.Done() {
		if st, err := watcher.Ready(r.Context()); err == nil {
			resp.Transcoded = &st.Transcoded
			resp.FileName = st.FileName
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreamData(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET or HEAD")
		return
	}

	watcher, err := s.registry.Watcher(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	watcher.BeginServe()
	defer watcher.EndServe()

	st, err := watcher.Ready(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if st.Transcoded {
		s.serveTranscoded(w, r, watcher, st)
		return
	}
	s.serveDirect(w, r, watcher, st)
}

func (s *Server) serveDirect(w http.ResponseWriter, r *http.Request, watcher *stream.Watcher, st *stream.Stream) {
	ext := strings.ToLower(path.Ext(st.FileName))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	// Keep-alive would hold the swarm reader open after the player stops.
	w.Header().Set("Connection", "close")

	size := st.Size

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	reader, err := st.OpenReader(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer reader.Close()

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, err := parseByteRange(rangeHeader, size)
		if errors.Is(err, errInvalidRange) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
			return
		}
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		if _, err := reader.Seek(start, io.SeekStart); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to seek stream")
			return
		}
		length := end - start + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
		if _, err := io.CopyN(w, reader, length); err != nil {
			s.logger.Debug("range copy interrupted",
				slog.String("watcherId", watcher.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Debug("stream copy interrupted",
			slog.String("watcherId", watcher.ID),
			slog.String("error", err.Error()),
		)
	}
}

// serveTranscoded streams the live fMP4 output. The stream is forward
// only: the only acceptable Range is the trivial bytes=0- probe some
// players send before playback.
func (s *Server) serveTranscoded(w http.ResponseWriter, r *http.Request, watcher *stream.Watcher, st *stream.Stream) {
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("X-Stream-Transcoded", "true")
	w.Header().Set("Connection", "close")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := strings.ToLower(strings.ReplaceAll(r.Header.Get("Range"), " ", ""))
	if rangeHeader != "" && rangeHeader != "bytes=0-" {
		writeDomainError(w, fmt.Errorf("%w: transcoded output is forward-only", domain.ErrRangeUnsupported))
		return
	}

	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64<<10)
	for {
		n, err := st.Tap.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("transcoded stream ended",
					slog.String("watcherId", watcher.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// handleStreamEvents serves the acquisition status feed as server-sent
// events. The feed is finite: it closes after a terminal stage.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}

	watcher, err := s.registry.Watcher(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	watcher.BeginServe()
	defer watcher.EndServe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	feed, cancel := watcher.Status.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case status, open := <-feed:
			if !open {
				return
			}
			payload, err := json.Marshal(status)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
