// Package server exposes a timeline over HTTP: health, Prometheus metrics,
// event queries and emission, blob reads and rewinds.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"timeline/internal/blobstore"
	"timeline/internal/common"
	"timeline/internal/eventlog"
	"timeline/internal/metrics"
	"timeline/internal/query"
	"timeline/internal/rewind"
	"timeline/internal/timeline"
)

const maxBodyBytes = 8 << 20

// Options configures New.
type Options struct {
	Addr      string
	Version   string
	Commit    string
	BuildDate string
	// Now defaults to time.Now; used for relative times such as "-5m".
	Now func() time.Time
}

// Server serves one timeline over HTTP.
type Server struct {
	tl     *timeline.Timeline
	opts   Options
	router chi.Router
	srv    *http.Server
}

type rewindRequest struct {
	Target      string `json:"target"`
	OutputDir   string `json:"output_dir"`
	CompareWith string `json:"compare_with"`
	NoCache     bool   `json:"no_cache"`

	// Both default to true when omitted.
	IncludeFiles         *bool  `json:"include_files"`
	IncludeConversations *bool  `json:"include_conversations"`
	GitMode              string `json:"git_mode"`
	GitSource            string `json:"git_source"`
}

// New builds the router for tl.
func New(tl *timeline.Timeline, opts Options) *Server {
	metrics.Init()
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{tl: tl, opts: opts}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(requestLoggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    valueOrDefault(opts.Version, "dev"),
			"commit":     valueOrDefault(opts.Commit, "none"),
			"build_date": valueOrDefault(opts.BuildDate, "unknown"),
		})
	})
	r.Get("/stats", s.handleStats)

	r.Route("/events", func(r chi.Router) {
		r.Get("/", s.handleQuery)
		r.Post("/", s.handleEmit)
		r.Get("/{id}", s.handleGetEvent)
		r.Get("/{id}/causation", s.handleCausation)
	})

	r.Get("/blobs/stats", s.handleBlobStats)
	r.Get("/blobs/{hash}", s.handleGetBlob)
	r.Get("/snapshots", s.handleSnapshots)
	r.Post("/rewind", s.handleRewind)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe listens on opts.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("[Server] listening on %s", ln.Addr())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Infof("[Server] stopped")
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.tl.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query(), s.opts.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.tl.Query.Query(r.Context(), f)
	if err != nil {
		writeError(w, r, err, "failed to query events")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var d eventlog.Draft
	if err := decodeBody(r, &d); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res := s.tl.Events.Emit(r.Context(), d)
	if !res.Success {
		writeJSON(w, statusFor(res.Err), res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.tl.Query.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "failed to get event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCausation(w http.ResponseWriter, r *http.Request) {
	chain, err := s.tl.Query.CausationChain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "failed to build causation chain")
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleBlobStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.tl.Blobs.GetStats(r.Context())
	if err != nil {
		writeError(w, r, err, "failed to get blob stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if !blobstore.IsHash(hash) {
		http.Error(w, "invalid blob hash", http.StatusBadRequest)
		return
	}
	data, err := s.tl.Blobs.RetrieveBlob(r.Context(), hash)
	if err != nil {
		writeError(w, r, err, "failed to read blob")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.tl.Snapshots.List(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, r, err, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req rewindRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	target, err := timeline.ParseTime(strings.TrimSpace(req.Target), s.opts.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	gitMode, err := rewind.ParseGitMode(req.GitMode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.tl.Rewind.RewindTo(r.Context(), target, rewind.Options{
		OutputDir:         req.OutputDir,
		CompareWith:       req.CompareWith,
		NoCache:           req.NoCache,
		SkipFiles:         req.IncludeFiles != nil && !*req.IncludeFiles,
		SkipConversations: req.IncludeConversations != nil && !*req.IncludeConversations,
		GitMode:           gitMode,
		GitSource:         req.GitSource,
	})
	if err != nil {
		log.Warnf("[Server] rewind to %d failed: %v", target, err)
		if res == nil {
			writeError(w, r, err, "rewind failed")
			return
		}
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// parseFilter maps query parameters onto a query.Filter. category and type
// accept repeated or comma-separated values; start and end take anything
// timeline.ParseTime accepts.
func parseFilter(v url.Values, now time.Time) (query.Filter, error) {
	f := query.Filter{
		Actor:         v.Get("actor"),
		AggregateID:   v.Get("aggregate_id"),
		AggregateType: v.Get("aggregate_type"),
		CorrelationID: v.Get("correlation_id"),
		SessionID:     v.Get("session_id"),
		Search:        v.Get("search"),
		Cursor:        v.Get("cursor"),
	}
	for _, c := range splitValues(v["category"]) {
		cat, ok := eventlog.ParseCategory(c)
		if !ok {
			return f, fmt.Errorf("unknown category %q", c)
		}
		f.Categories = append(f.Categories, cat)
	}
	for _, t := range splitValues(v["type"]) {
		et := eventlog.EventType(strings.ToUpper(t))
		if !et.Valid() {
			return f, fmt.Errorf("unknown event type %q", t)
		}
		f.EventTypes = append(f.EventTypes, et)
	}

	var err error
	if s := v.Get("start"); s != "" {
		if f.StartTime, err = timeline.ParseTime(s, now); err != nil {
			return f, err
		}
	}
	if s := v.Get("end"); s != "" {
		if f.EndTime, err = timeline.ParseTime(s, now); err != nil {
			return f, err
		}
	}
	if s := v.Get("order"); s != "" {
		if f.Order, err = query.ParseOrder(s); err != nil {
			return f, err
		}
	}
	if s := v.Get("limit"); s != "" {
		if f.Limit, err = strconv.Atoi(s); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("invalid limit %q", s)
		}
	}
	if f.Cursor != "" {
		if _, err := query.DecodeCursor(f.Cursor); err != nil {
			return f, err
		}
	}
	return f, nil
}

func splitValues(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidEvent),
		errors.Is(err, common.ErrInvalidPayload),
		errors.Is(err, common.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.WithField("request_id", RequestID(r.Context())).Errorf("[Server] %s: %v", msg, err)
		http.Error(w, msg, status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return io.EOF
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}
	return nil
}

func valueOrDefault(value, defaultValue string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return defaultValue
}
