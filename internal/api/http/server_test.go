package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"swarmstream/internal/domain"
	"swarmstream/internal/domain/ports"
	"swarmstream/internal/stream"
)

const testHash = domain.InfoHash("08ada5a7a6183aae1e09d831df6748d566095a10")

var hexPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

type fakeReader struct {
	*bytes.Reader
}

func (fakeReader) Close() error               { return nil }
func (fakeReader) SetContext(context.Context) {}
func (fakeReader) SetReadahead(int64)         {}
func (fakeReader) SetResponsive()             {}

type fakeSwarm struct {
	id      domain.InfoHash
	files   []domain.FileRef
	content []byte
}

func (s *fakeSwarm) InfoHash() domain.InfoHash           { return s.id }
func (s *fakeSwarm) AwaitMetadata(context.Context) error { return nil }

func (s *fakeSwarm) Info() domain.SwarmInfo {
	return domain.SwarmInfo{InfoHash: s.id, MetadataReady: true, Peers: 3, Seeders: 1}
}

func (s *fakeSwarm) Files() []domain.FileRef { return s.files }

func (s *fakeSwarm) SelectFile(index int) (domain.FileRef, error) {
	if index < 0 || index >= len(s.files) {
		return domain.FileRef{}, fmt.Errorf("%w: file %d", domain.ErrNotFound, index)
	}
	return s.files[index], nil
}

func (s *fakeSwarm) NewReader(file domain.FileRef) (ports.StreamReader, error) {
	return fakeReader{bytes.NewReader(s.content)}, nil
}

func (s *fakeSwarm) SetPiecePriority(domain.FileRef, domain.Range, domain.Priority) {}

type fakeClient struct {
	mu     sync.Mutex
	swarms map[domain.InfoHash]*fakeSwarm
}

func newFakeClient(swarms ...*fakeSwarm) *fakeClient {
	c := &fakeClient{swarms: make(map[domain.InfoHash]*fakeSwarm)}
	for _, s := range swarms {
		c.swarms[s.id] = s
	}
	return c
}

func (c *fakeClient) ParseSource(src string) (domain.InfoHash, error) {
	src = strings.ToLower(strings.TrimSpace(src))
	if !hexPattern.MatchString(src) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidIdentifier, src)
	}
	return domain.InfoHash(src), nil
}

func (c *fakeClient) Join(ctx context.Context, src string) (ports.Swarm, error) {
	id, err := c.ParseSource(src)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.swarms[id]
	if !ok {
		return nil, fmt.Errorf("%w: swarm %s", domain.ErrNotFound, id)
	}
	return s, nil
}

func (c *fakeClient) Leave(context.Context, domain.InfoHash) error { return nil }

func (c *fakeClient) Info(ctx context.Context, id domain.InfoHash) (domain.SwarmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.swarms[id]
	if !ok {
		return domain.SwarmInfo{}, fmt.Errorf("%w: swarm %s", domain.ErrNotFound, id)
	}
	return s.Info(), nil
}

func (c *fakeClient) List(context.Context) []domain.InfoHash {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]domain.InfoHash, 0, len(c.swarms))
	for id := range c.swarms {
		ids = append(ids, id)
	}
	return ids
}

func (c *fakeClient) Close() error { return nil }

type fakePool struct{}

func (fakePool) Acquire(ctx context.Context, key domain.StreamKey, profile domain.CodecProfile, seekSeconds float64, openSource func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	src, err := openSource()
	if err != nil {
		return nil, err
	}
	src.Close()
	return io.NopCloser(strings.NewReader("fragmented-mp4-bytes")), nil
}

func rangedContent(n int) []byte {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return content
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, fileName string, opts ...ServerOption) (*Server, *fakeClient) {
	t.Helper()
	content := rangedContent(4096)
	client := newFakeClient(&fakeSwarm{
		id:      testHash,
		content: content,
		files: []domain.FileRef{
			{Index: 0, Path: fileName, Length: int64(len(content))},
		},
	})
	registry := stream.NewRegistry(client, fakePool{}, nil, stream.Config{Logger: quiet()})
	t.Cleanup(registry.Shutdown)
	opts = append([]ServerOption{WithLogger(quiet()), WithSwarmInspector(client)}, opts...)
	srv := NewServer(registry, opts...)
	t.Cleanup(srv.Close)
	return srv, client
}

func openWatcher(t *testing.T, srv *Server) openStreamResponse {
	t.Helper()
	body := `{"source":"` + string(testHash) + `","fileIndex":0}`
	req := httptest.NewRequest(http.MethodPost, "/streams", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /streams = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp openStreamResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func waitReady(t *testing.T, srv *Server, statusURL string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statusURL, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", statusURL, rec.Code)
		}
		var st streamStatusResponse
		if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.Status.Stage == domain.StageError {
			t.Fatalf("acquisition failed: %s", st.Status.Message)
		}
		if st.Ready {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenAndStreamDirect(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, opened.StreamURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET data = %d", rec.Code)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), rangedContent(4096)) {
		t.Error("body does not match file content")
	}
}

func TestDirectRangeRequest(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	req := httptest.NewRequest(http.MethodGet, opened.StreamURL, nil)
	req.Header.Set("Range", "bytes=100-199")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("ranged GET = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/4096" {
		t.Errorf("Content-Range = %q", got)
	}
	want := rangedContent(4096)[100:200]
	if !bytes.Equal(rec.Body.Bytes(), want) {
		t.Error("range body mismatch")
	}
}

func TestDirectRangeNotSatisfiable(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	req := httptest.NewRequest(http.MethodGet, opened.StreamURL, nil)
	req.Header.Set("Range", "bytes=999999-")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("out-of-range GET = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */4096" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestDirectHead(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, opened.StreamURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("HEAD = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "4096" {
		t.Errorf("Content-Length = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Error("HEAD returned a body")
	}
}

func TestTranscodedStream(t *testing.T) {
	srv, _ := newTestServer(t, "Movie.2023.DTS.mkv")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, opened.StreamURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET data = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Stream-Transcoded"); got != "true" {
		t.Errorf("X-Stream-Transcoded = %q", got)
	}
	if rec.Header().Get("Accept-Ranges") == "bytes" {
		t.Error("transcoded stream must not advertise byte ranges")
	}
	if rec.Body.String() != "fragmented-mp4-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestTranscodedRejectsMidStreamRange(t *testing.T) {
	srv, _ := newTestServer(t, "Movie.2023.DTS.mkv")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	req := httptest.NewRequest(http.MethodGet, opened.StreamURL, nil)
	req.Header.Set("Range", "bytes=100-")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("mid-stream range = %d, want 416", rec.Code)
	}
}

func TestStreamEventsEndAtReady(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, opened.EventsURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET events = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: status") {
		t.Error("no status events in feed")
	}
	if !strings.Contains(body, string(domain.StageReady)) {
		t.Errorf("feed does not end at ready: %q", body)
	}
}

func TestOpenInvalidSource(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")

	body := `{"source":"not a magnet","fileIndex":0}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/streams", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST invalid source = %d", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_identifier" {
		t.Errorf("error code = %q", envelope.Error.Code)
	}
}

func TestDeleteStream(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")
	opened := openWatcher(t, srv)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, opened.StatusURL, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, opened.StatusURL, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET after DELETE = %d, want 404", rec.Code)
	}

	// Deleting again stays a no-op.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, opened.StatusURL, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("second DELETE = %d", rec.Code)
	}
}

func TestUnknownWatcher(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/streams/nope/data", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown watcher = %d, want 404", rec.Code)
	}
}

func TestDiagnosticsAndHealth(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")
	opened := openWatcher(t, srv)
	waitReady(t, srv, opened.StatusURL)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /diagnostics = %d", rec.Code)
	}
	var report diagnosticsReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if report.Watchers != 1 || len(report.Streams) != 1 {
		t.Errorf("diagnostics = %+v, want one watcher and one stream", report)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", rec.Code)
	}
}

type fakeResolver struct {
	metadata domain.SwarmMetadata
	err      error
}

func (r fakeResolver) Resolve(ctx context.Context, src string) (domain.SwarmMetadata, error) {
	return r.metadata, r.err
}

func TestResolveEndpoint(t *testing.T) {
	metadata := domain.SwarmMetadata{
		InfoHash:  testHash,
		Name:      "movie",
		TotalSize: 4096,
		Files:     []domain.FileRef{{Index: 0, Path: "movie.h264.mp4", Length: 4096}},
	}
	srv, _ := newTestServer(t, "movie.h264.mp4", WithResolver(fakeResolver{metadata: metadata}))

	body := `{"source":"` + string(testHash) + `"}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resolve", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /resolve = %d, body %s", rec.Code, rec.Body.String())
	}
	var got domain.SwarmMetadata
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if got.Name != "movie" || len(got.Files) != 1 {
		t.Errorf("metadata = %+v", got)
	}
}

func TestResolveTimeoutMapsTo504(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4",
		WithResolver(fakeResolver{err: fmt.Errorf("%w: no peers", domain.ErrSwarmTimeout)}))

	body := `{"source":"` + string(testHash) + `"}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resolve", strings.NewReader(body)))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("POST /resolve = %d, want 504", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4", WithRateLimit(1, 1))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/swarms", nil))
	if rec.Code == http.StatusTooManyRequests {
		t.Fatalf("first request rate limited")
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/swarms", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, "movie.h264.mp4")

	req := httptest.NewRequest(http.MethodOptions, "/streams", nil)
	req.Header.Set("Origin", "http://player.local")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://player.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestParseByteRange(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		size       int64
		start, end int64
		err        error
	}{
		{name: "full range", header: "bytes=0-4095", size: 4096, start: 0, end: 4095},
		{name: "open end", header: "bytes=100-", size: 4096, start: 100, end: 4095},
		{name: "suffix", header: "bytes=-500", size: 4096, start: 3596, end: 4095},
		{name: "end clamped", header: "bytes=0-999999", size: 4096, start: 0, end: 4095},
		{name: "start past size", header: "bytes=4096-", size: 4096, err: errRangeNotSatisfiable},
		{name: "multipart", header: "bytes=0-1,5-9", size: 4096, err: errInvalidRange},
		{name: "no unit", header: "0-100", size: 4096, err: errInvalidRange},
		{name: "backwards", header: "bytes=200-100", size: 4096, err: errInvalidRange},
		{name: "empty spec", header: "bytes=", size: 4096, err: errInvalidRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, err := parseByteRange(tc.header, tc.size)
			if tc.err != nil {
				if err != tc.err {
					t.Fatalf("err = %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if start != tc.start || end != tc.end {
				t.Errorf("range = %d-%d, want %d-%d", start, end, tc.start, tc.end)
			}
		})
	}
}
