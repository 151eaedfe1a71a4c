// Package httpapi serves the reconciled dashboard state: a JSON
// snapshot, archive queries, a websocket live feed and the operator
// control surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/you/streamsync/internal/core"
	"github.com/you/streamsync/internal/store"
)

// StateSource is the read side of the reconciled state.
type StateSource interface {
	Snapshot() store.Snapshot
	Subscribe() chan store.Event
	Unsubscribe(chan store.Event)
}

// Archive answers history queries over the SQLite archive.
type Archive interface {
	CountMessages(ctx context.Context, filters Filters) (int64, error)
	ListMessages(ctx context.Context, filters Filters) ([]core.ChatMessage, error)
	ListAlerts(ctx context.Context, filters Filters) ([]core.Alert, error)
}

// Controller is the engine's operator-facing control surface.
type Controller interface {
	CommitTitle(ctx context.Context, title string) error
	CommitCategory(ctx context.Context, category string) error
	CreateMapping(ctx context.Context, sourceHandle, targetHandle string) error
	DeleteMapping(ctx context.Context, sourceHandle string) error
	MarkSubmission(ctx context.Context, id, status string) error
	MarkSkip(ctx context.Context, id string) error
	SwitchScene(ctx context.Context, name string) error
	ToggleSource(ctx context.Context, name string, visible bool) error
	UpdateSound(ctx context.Context, asset core.SoundAsset) error
	DeleteSound(ctx context.Context, fileName string) error
	ReorderSounds(ctx context.Context, category string, from, to int) error
	ControlStream(ctx context.Context, action string) error
	ControlRecording(ctx context.Context, action string) error
	SaveClip(ctx context.Context) (string, error)
	CreateMarker(ctx context.Context) error
	SubmitSong(ctx context.Context, song core.Song) error
	PlaySong(ctx context.Context, id string) error
	SkipSong(ctx context.Context, id string) error
	VoteSong(ctx context.Context, id string, vote int) error
	TitleDirty() bool
	CategoryDirty() bool
	ClearIdentityCaches() (tiers, autos int)
	ReloadToken() (bool, error)
}

type Server struct {
	httpServer *http.Server
	state      StateSource
	archive    Archive
	ctrl       Controller
	metrics    *Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	build      BuildInfo

	mu     sync.Mutex
	closed bool
}

// BuildInfo identifies the running binary on /version.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	BuiltAt string `json:"built_at,omitempty"`
}

type Options struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	Registry    *prometheus.Registry
	Build       BuildInfo
}

func New(state StateSource, archive Archive, ctrl Controller, opts Options) *Server {
	srv := &Server{
		state:   state,
		archive: archive,
		ctrl:    ctrl,
		metrics: newMetrics(opts.Registry),
		limiter: newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		cors:    newCORSPolicy(opts.CORSOrigins),
		build:   opts.Build,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.wrap("/healthz", srv.handleHealthz))
	mux.HandleFunc("/state", srv.wrap("/state", srv.handleState))
	mux.HandleFunc("/messages", srv.wrap("/messages", srv.handleMessages))
	mux.HandleFunc("/count", srv.wrap("/count", srv.handleCount))
	mux.HandleFunc("/alerts", srv.wrap("/alerts", srv.handleAlerts))
	mux.HandleFunc("/ws", srv.wrap("/ws", srv.handleWS))
	mux.HandleFunc("/version", srv.wrap("/version", srv.handleVersion))
	mux.Handle("/metrics", srv.metrics.Handler())

	mux.HandleFunc("/control/title", srv.wrap("/control/title", srv.handleTitle))
	mux.HandleFunc("/control/category", srv.wrap("/control/category", srv.handleCategory))
	mux.HandleFunc("/control/scene", srv.wrap("/control/scene", srv.handleScene))
	mux.HandleFunc("/control/source", srv.wrap("/control/source", srv.handleSource))
	mux.HandleFunc("/control/stream", srv.wrap("/control/stream", srv.handleStreamControl))
	mux.HandleFunc("/control/recording", srv.wrap("/control/recording", srv.handleRecordingControl))
	mux.HandleFunc("/control/clip", srv.wrap("/control/clip", srv.handleClip))
	mux.HandleFunc("/control/marker", srv.wrap("/control/marker", srv.handleMarker))
	mux.HandleFunc("/music/submit", srv.wrap("/music/submit", srv.handleMusicSubmit))
	mux.HandleFunc("/music/play", srv.wrap("/music/play", srv.handleMusicPlay))
	mux.HandleFunc("/music/skip", srv.wrap("/music/skip", srv.handleMusicSkip))
	mux.HandleFunc("/music/vote", srv.wrap("/music/vote", srv.handleMusicVote))
	mux.HandleFunc("/mappings", srv.wrap("/mappings", srv.handleMappings))
	mux.HandleFunc("/mappings/", srv.wrap("/mappings/", srv.handleMappingDelete))
	mux.HandleFunc("/queue/mark", srv.wrap("/queue/mark", srv.handleMark))
	mux.HandleFunc("/queue/mark-skip", srv.wrap("/queue/mark-skip", srv.handleMarkSkip))
	mux.HandleFunc("/sounds/reorder", srv.wrap("/sounds/reorder", srv.handleReorder))
	mux.HandleFunc("/sounds/", srv.wrap("/sounds/", srv.handleSound))

	mux.HandleFunc("/admin/identity/clear", srv.wrap("/admin/identity/clear", srv.handleIdentityClear))
	mux.HandleFunc("/admin/upstream/reload", srv.wrap("/admin/upstream/reload", srv.handleUpstreamReload))

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// wrap applies rate limiting, CORS, the access log and request metrics.
func (s *Server) wrap(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)

		if handled, status := s.cors.handlePreflight(rec, r); handled {
			s.metrics.ObserveRequest(route, r.Method, status, time.Since(start))
			return
		}
		if !s.cors.applyHeaders(rec, r) {
			http.Error(rec, "origin not allowed", http.StatusForbidden)
			s.metrics.ObserveRequest(route, r.Method, http.StatusForbidden, time.Since(start))
			return
		}
		if !s.limiter.Allow(remoteIP(r)) {
			s.metrics.IncRateLimited()
			http.Error(rec, "rate limit exceeded", http.StatusTooManyRequests)
			s.metrics.ObserveRequest(route, r.Method, http.StatusTooManyRequests, time.Since(start))
			return
		}

		h(rec, r)

		dur := time.Since(start)
		s.metrics.ObserveRequest(route, r.Method, rec.Status(), dur)
		log.Printf("http %s %s %d %dB %s from=%s", r.Method, r.URL.Path, rec.Status(), rec.Bytes(), dur.Round(time.Millisecond), remoteIP(r))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.build)
}

// handleState serves the full reconciled snapshot plus the editable-field
// dirty flags, gzip-compressed when the client accepts it.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if gz, ok := maybeGzip(w, r); ok {
		defer gz.Close()
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":          s.state.Snapshot(),
		"title_dirty":    s.ctrl.TitleDirty(),
		"category_dirty": s.ctrl.CategoryDirty(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.archive.ListMessages(r.Context(), filters)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(rows)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, err := s.archive.CountMessages(r.Context(), filters)
	if err != nil {
		http.Error(w, "count error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": count})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive disabled", http.StatusNotFound)
		return
	}
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := s.archive.ListAlerts(r.Context(), filters)
	if err != nil {
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(rows)
}

// wsPayload is one frame on the live feed.
type wsPayload struct {
	Resource string         `json:"resource"`
	At       time.Time      `json:"at"`
	State    store.Snapshot `json:"state"`
}

// handleWS pushes a full snapshot on connect and again after every
// resource change. Slow clients lose intermediate events, never the
// latest state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := websocket.Accept(baseWriter(w), r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("ws accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	s.metrics.IncWSClients(1)
	defer s.metrics.IncWSClients(-1)

	events := s.state.Subscribe()
	defer s.state.Unsubscribe(events)

	ctx := r.Context()
	send := func(resource string, at time.Time) error {
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, wsPayload{
			Resource: resource,
			At:       at,
			State:    s.state.Snapshot(),
		})
	}

	if err := send("snapshot", time.Now()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// Collapse any backlog so the client gets one fresh frame.
			for drained := true; drained; {
				select {
				case next, open := <-events:
					if !open {
						return
					}
					ev = next
					s.metrics.IncWSDrops()
				default:
					drained = false
				}
			}
			if err := send(ev.Resource, ev.At); err != nil {
				return
			}
		}
	}
}

// control handlers

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.CommitTitle(r.Context(), body.Title))
}

func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string `json:"category"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.CommitCategory(r.Context(), body.Category))
}

func (s *Server) handleScene(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SceneName string `json:"scene_name"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.SwitchScene(r.Context(), body.SceneName))
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceName string `json:"source_name"`
		Visible    bool   `json:"visible"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.ToggleSource(r.Context(), body.SourceName, body.Visible))
}

func (s *Server) handleStreamControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.ControlStream(r.Context(), body.Action))
}

func (s *Server) handleRecordingControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.ControlRecording(r.Context(), body.Action))
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filename, err := s.ctrl.SaveClip(r.Context())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "filename": filename})
}

func (s *Server) handleMarker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.finishControl(w, r, s.ctrl.CreateMarker(r.Context()))
}

func (s *Server) handleMusicSubmit(w http.ResponseWriter, r *http.Request) {
	var song core.Song
	if !decodePost(w, r, &song) {
		return
	}
	if song.Title == "" {
		http.Error(w, "title required", http.StatusBadRequest)
		return
	}
	s.finishControl(w, r, s.ctrl.SubmitSong(r.Context(), song))
}

func (s *Server) handleMusicPlay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SongID string `json:"song_id"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.PlaySong(r.Context(), body.SongID))
}

func (s *Server) handleMusicSkip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SongID string `json:"song_id"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.SkipSong(r.Context(), body.SongID))
}

func (s *Server) handleMusicVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SongID string `json:"song_id"`
		Vote   int    `json:"vote"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.VoteSong(r.Context(), body.SongID, body.Vote))
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceHandle string `json:"source_handle"`
		TargetHandle string `json:"target_handle"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	if body.SourceHandle == "" || body.TargetHandle == "" {
		http.Error(w, "source_handle and target_handle required", http.StatusBadRequest)
		return
	}
	s.finishControl(w, r, s.ctrl.CreateMapping(r.Context(), body.SourceHandle, body.TargetHandle))
}

func (s *Server) handleMappingDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	source := strings.TrimPrefix(r.URL.Path, "/mappings/")
	if source == "" {
		http.Error(w, "source handle required", http.StatusBadRequest)
		return
	}
	s.finishControl(w, r, s.ctrl.DeleteMapping(r.Context(), source))
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubmissionID string `json:"submission_id"`
		Status       string `json:"status"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.MarkSubmission(r.Context(), body.SubmissionID, body.Status))
}

func (s *Server) handleMarkSkip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SubmissionID string `json:"submission_id"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.MarkSkip(r.Context(), body.SubmissionID))
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string `json:"category"`
		From     int    `json:"from"`
		To       int    `json:"to"`
	}
	if !decodePost(w, r, &body) {
		return
	}
	s.finishControl(w, r, s.ctrl.ReorderSounds(r.Context(), body.Category, body.From, body.To))
}

// handleSound updates or deletes one sound asset, addressed by file name.
func (s *Server) handleSound(w http.ResponseWriter, r *http.Request) {
	fileName := strings.TrimPrefix(r.URL.Path, "/sounds/")
	if fileName == "" || fileName == "reorder" {
		http.Error(w, "asset file name required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var asset core.SoundAsset
		if err := json.NewDecoder(r.Body).Decode(&asset); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		asset.FileName = fileName
		s.finishControl(w, r, s.ctrl.UpdateSound(r.Context(), asset))
	case http.MethodDelete:
		s.finishControl(w, r, s.ctrl.DeleteSound(r.Context(), fileName))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIdentityClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tiers, autos := s.ctrl.ClearIdentityCaches()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"cleared_tiers": tiers, "cleared_auto_matches": autos})
}

func (s *Server) handleUpstreamReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	changed, err := s.ctrl.ReloadToken()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"changed": changed})
}

// decodePost enforces POST and decodes the JSON body.
func decodePost(w http.ResponseWriter, r *http.Request, body any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

// finishControl reports a write-back outcome. Failures surface the
// upstream's reason; the operator decides what to do with it.
func (s *Server) finishControl(w http.ResponseWriter, _ *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (s *Server) Start() error {
	log.Printf("http api listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
