package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/streamsync/internal/core"
	"github.com/you/streamsync/internal/identity"
	"github.com/you/streamsync/internal/store"
	"github.com/you/streamsync/internal/upstream"
)

// fakeBackend is a mutable stand-in for the dashboard backend.
type fakeBackend struct {
	mu          sync.Mutex
	title       string
	category    string
	chat        []map[string]any
	alerts      []core.Alert
	submissions []core.Submission
	mappings    map[string]string
	tiers       map[string]string
	sounds      []core.SoundAsset
	reorderErr  bool
	streaming   bool
	songs       []map[string]any

	reorderedIDs []string
	reorderedCat string
	titleWrites  []string
	voteBodies   []map[string]any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		title:    "Old Title",
		category: "Music",
		mappings: map[string]string{},
		tiers:    map[string]string{},
	}
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/twitch/stats", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"viewers": 10, "followers": 100, "subscribers": 5,
			"stream_title": f.title, "stream_category": f.category, "uptime_minutes": 42,
		})
	})
	mux.HandleFunc("/twitch/title", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.title = body["title"]
		f.titleWrites = append(f.titleWrites, body["title"])
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"success": true, "title": body["title"]})
	})
	mux.HandleFunc("/twitch/chat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.chat)
	})
	mux.HandleFunc("/twitch/alerts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.alerts)
	})
	mux.HandleFunc("/queue/submissions", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.submissions)
	})
	mux.HandleFunc("/queue/mappings", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		type pair struct {
			Source string `json:"source_handle"`
			Target string `json:"target_handle"`
		}
		var out []pair
		for s, t := range f.mappings {
			out = append(out, pair{Source: s, Target: t})
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/queue/map-username", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.mappings[body["source_handle"]] = body["target_handle"]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/queue/tier/", func(w http.ResponseWriter, r *http.Request) {
		handle := strings.TrimPrefix(r.URL.Path, "/queue/tier/")
		f.mu.Lock()
		tier, ok := f.tiers[handle]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"tier": tier})
	})
	mux.HandleFunc("/queue/auto-match/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/obs/stats", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"streaming": f.streaming, "recording": false, "fps": 60, "bitrate": 6000,
		})
	})
	mux.HandleFunc("/obs/stream", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["action"] != "start" && body["action"] != "stop" {
			http.Error(w, "bad action", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.streaming = body["action"] == "start"
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/music/queue", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.songs)
	})
	mux.HandleFunc("/music/vote", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.voteBodies = append(f.voteBodies, body)
		for _, song := range f.songs {
			if song["id"] == body["song_id"] {
				votes, _ := song["votes"].(int)
				song["votes"] = votes + int(body["vote"].(float64))
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	})
	mux.HandleFunc("/analytics/summary", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"peak_viewers": 250, "avg_viewers": 120, "chat_messages": 900,
			"top_chatters": []string{"dave", "mary"},
		})
	})
	mux.HandleFunc("/ai/sentiment", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"overall": "positive", "score": 0.8, "top_emotes": []string{"PogChamp"},
		})
	})
	mux.HandleFunc("/sounds", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.sounds)
	})
	mux.HandleFunc("/sounds/reorder", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.reorderErr {
			http.Error(w, "persist failed", http.StatusInternalServerError)
			return
		}
		var body struct {
			OrderedIDs []string `json:"ordered_ids"`
			Category   string   `json:"category"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.reorderedIDs = body.OrderedIDs
		f.reorderedCat = body.Category
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

type memArchive struct {
	mu       sync.Mutex
	messages []core.ChatMessage
	alerts   []core.Alert
	writeErr error
}

func (m *memArchive) WriteMessage(msg core.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memArchive) WriteAlert(alert core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

func newTestEngine(t *testing.T, backend *fakeBackend, archive *memArchive) (*Engine, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	client, err := upstream.New(srv.URL, "", "", 5*time.Second)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	st := store.New()
	opts := Options{ChatRetention: 50, AlertRetention: 5}
	if archive != nil {
		return New(client, st, archive, opts), st
	}
	return New(client, st, nil, opts), st
}

func wireChat(id, text string, ts time.Time) map[string]any {
	return map[string]any{
		"id": id, "username": "viewer", "message": text,
		"timestamp": ts.Format(time.RFC3339Nano),
	}
}

func TestRefreshStreamDirtyTitleWins(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	if err := e.RefreshStream(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := st.Snapshot().Stream.Title; got != "Old Title" {
		t.Fatalf("clean refresh should adopt remote, got %q", got)
	}

	e.EditTitle("New Title")
	if err := e.RefreshStream(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := st.Snapshot().Stream.Title; got != "New Title" {
		t.Fatalf("dirty edit clobbered by refresh: %q", got)
	}
}

func TestCommitTitleWritesBackAndSettles(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	if err := e.CommitTitle(context.Background(), "Fresh Title"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.TitleDirty() {
		t.Fatalf("successful commit must clear dirty")
	}
	backend.mu.Lock()
	writes := append([]string(nil), backend.titleWrites...)
	backend.mu.Unlock()
	if len(writes) != 1 || writes[0] != "Fresh Title" {
		t.Fatalf("write-back payloads: %v", writes)
	}

	// The next refresh adopts whatever the server confirms.
	if err := e.RefreshStream(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := st.Snapshot().Stream.Title; got != "Fresh Title" {
		t.Fatalf("store title = %q", got)
	}
}

func TestRefreshChatArchivesEachMessageOnce(t *testing.T) {
	backend := newFakeBackend()
	archive := &memArchive{}
	e, st := newTestEngine(t, backend, archive)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	backend.mu.Lock()
	backend.chat = []map[string]any{wireChat("5", "five", base), wireChat("6", "six", base.Add(time.Second))}
	backend.mu.Unlock()
	if err := e.RefreshChat(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	backend.mu.Lock()
	backend.chat = []map[string]any{wireChat("6", "six", base.Add(time.Second)), wireChat("7", "seven", base.Add(2*time.Second))}
	backend.mu.Unlock()
	for i := 0; i < 2; i++ { // second pass is a no-op
		if err := e.RefreshChat(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}

	snap := st.Snapshot()
	if len(snap.Chat) != 3 || snap.Chat[0].ID != "7" || snap.Chat[1].ID != "6" || snap.Chat[2].ID != "5" {
		t.Fatalf("retained chat wrong: %+v", snap.Chat)
	}
	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.messages) != 3 {
		t.Fatalf("expected 3 archived messages, got %d", len(archive.messages))
	}
}

func TestRefreshChatRequeuesFailedArchiveWrites(t *testing.T) {
	backend := newFakeBackend()
	archive := &memArchive{}
	e, _ := newTestEngine(t, backend, archive)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	backend.mu.Lock()
	backend.chat = []map[string]any{wireChat("1", "one", base), wireChat("2", "two", base.Add(time.Second))}
	backend.mu.Unlock()

	// Admission succeeds but the archive is down; the refresh must
	// surface the error without dropping the admitted messages.
	archive.mu.Lock()
	archive.writeErr = errors.New("disk full")
	archive.mu.Unlock()
	if err := e.RefreshChat(context.Background()); err == nil {
		t.Fatalf("expected archive failure to surface")
	}

	backend.mu.Lock()
	backend.chat = append(backend.chat, wireChat("3", "three", base.Add(2*time.Second)))
	backend.mu.Unlock()
	archive.mu.Lock()
	archive.writeErr = nil
	archive.mu.Unlock()

	if err := e.RefreshChat(context.Background()); err != nil {
		t.Fatalf("refresh after recovery: %v", err)
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.messages) != 3 {
		t.Fatalf("archived %d messages, want all 3 exactly once", len(archive.messages))
	}
	for i, want := range []string{"1", "2", "3"} {
		if archive.messages[i].ID != want {
			t.Fatalf("archived order wrong: %+v", archive.messages)
		}
	}
}

func TestControlStreamValidatesAndRefreshesHealth(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	if err := e.ControlStream(context.Background(), "restart"); err == nil {
		t.Fatalf("bad action must be rejected")
	}

	if err := e.ControlStream(context.Background(), "start"); err != nil {
		t.Fatalf("start: %v", err)
	}
	backend.mu.Lock()
	live := backend.streaming
	backend.mu.Unlock()
	if !live {
		t.Fatalf("backend never saw the start action")
	}
	if !st.Snapshot().Health.Streaming {
		t.Fatalf("health not refetched after stream control")
	}

	if err := e.ControlStream(context.Background(), "stop"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.Snapshot().Health.Streaming {
		t.Fatalf("stop not reflected in health")
	}
}

func TestVoteSongRefreshesQueue(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	backend.mu.Lock()
	backend.songs = []map[string]any{
		{"id": "song-1", "title": "Through the Fire", "votes": 1, "status": "queued"},
	}
	backend.mu.Unlock()

	if err := e.VoteSong(context.Background(), "song-1", 1); err != nil {
		t.Fatalf("vote: %v", err)
	}

	backend.mu.Lock()
	votes := append([]map[string]any(nil), backend.voteBodies...)
	backend.mu.Unlock()
	if len(votes) != 1 || votes[0]["song_id"] != "song-1" || votes[0]["vote"] != float64(1) {
		t.Fatalf("vote payloads: %v", votes)
	}

	songs := st.Snapshot().Songs
	if len(songs) != 1 || songs[0].Votes != 2 {
		t.Fatalf("queue not refetched after vote: %+v", songs)
	}
}

func TestRefreshAnalyticsAndSentiment(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	if err := e.RefreshAnalytics(context.Background()); err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if err := e.RefreshSentiment(context.Background()); err != nil {
		t.Fatalf("sentiment: %v", err)
	}

	snap := st.Snapshot()
	if snap.Analytics.PeakViewers != 250 || len(snap.Analytics.TopChatters) != 2 {
		t.Fatalf("analytics snapshot: %+v", snap.Analytics)
	}
	if snap.Sentiment.Overall != "positive" || snap.Sentiment.Score != 0.8 {
		t.Fatalf("sentiment snapshot: %+v", snap.Sentiment)
	}
	if snap.Meta[store.ResAnalytics].FetchedAt.IsZero() {
		t.Fatalf("analytics meta not recorded")
	}
}

func TestRefreshAlertsKeepsBoundedWindow(t *testing.T) {
	backend := newFakeBackend()
	archive := &memArchive{}
	e, st := newTestEngine(t, backend, archive)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var alerts []core.Alert
	for i := 0; i < 7; i++ {
		alerts = append(alerts, core.Alert{
			ID: string(rune('a' + i)), Type: "follower", Username: "u",
			Ts: base.Add(time.Duration(i) * time.Second),
		})
	}
	backend.mu.Lock()
	backend.alerts = alerts
	backend.mu.Unlock()

	if err := e.RefreshAlerts(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap := st.Snapshot()
	if len(snap.Alerts) != 5 {
		t.Fatalf("alert window size = %d", len(snap.Alerts))
	}
	if snap.Alerts[0].ID != "g" || snap.Alerts[4].ID != "c" {
		t.Fatalf("alert window not newest first: %+v", snap.Alerts)
	}
	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.alerts) != 7 {
		t.Fatalf("all admitted alerts should be archived, got %d", len(archive.alerts))
	}
}

func TestRefreshSubmissionsAnnotatesIdentity(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	backend.mu.Lock()
	backend.mappings["dc_alice"] = "tw_alice"
	backend.tiers["tw_alice"] = "2000"
	backend.submissions = []core.Submission{
		{ID: "s1", SourceHandle: "dc_alice", SongLink: "https://x/1"},
		{ID: "s2", SourceHandle: "dc_ghost", SongLink: "https://x/2"},
	}
	backend.mu.Unlock()

	if err := e.RefreshMappings(context.Background()); err != nil {
		t.Fatalf("mappings: %v", err)
	}
	if err := e.RefreshSubmissions(context.Background()); err != nil {
		t.Fatalf("submissions: %v", err)
	}

	subs := st.Snapshot().Submissions
	if len(subs) != 2 {
		t.Fatalf("submission count: %d", len(subs))
	}
	if subs[0].Resolution != string(identity.StateMapped) || subs[0].Tier != core.Tier2 || subs[0].TargetHandle != "tw_alice" {
		t.Fatalf("mapped submission wrong: %+v", subs[0])
	}
	if subs[1].Resolution != string(identity.StateNone) {
		t.Fatalf("unmatched submission must be none, not a silent default: %+v", subs[1])
	}
}

func TestReorderSoundsPersistFailureKeepsOptimisticOrder(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	backend.mu.Lock()
	backend.sounds = []core.SoundAsset{
		{FileName: "a.mp3", Category: "effects", OrderIndex: 0},
		{FileName: "b.mp3", Category: "effects", OrderIndex: 1},
		{FileName: "m.mp3", Category: "music", OrderIndex: 0},
	}
	backend.reorderErr = true
	backend.mu.Unlock()

	if err := e.RefreshSounds(context.Background()); err != nil {
		t.Fatalf("sounds: %v", err)
	}
	err := e.ReorderSounds(context.Background(), "effects", 0, 1)
	if err == nil {
		t.Fatalf("expected persist error")
	}
	sounds := st.Snapshot().Sounds
	if sounds[0].FileName != "b.mp3" || sounds[1].FileName != "a.mp3" {
		t.Fatalf("optimistic order rolled back: %+v", sounds)
	}
	if sounds[2].FileName != "m.mp3" {
		t.Fatalf("other category disturbed: %+v", sounds)
	}
}

func TestReorderSoundsPersistsIDsWithCategory(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, backend, nil)

	backend.mu.Lock()
	backend.sounds = []core.SoundAsset{
		{FileName: "a.mp3", Category: "effects"},
		{FileName: "b.mp3", Category: "effects"},
	}
	backend.mu.Unlock()

	if err := e.RefreshSounds(context.Background()); err != nil {
		t.Fatalf("sounds: %v", err)
	}
	if err := e.ReorderSounds(context.Background(), "effects", 1, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.reorderedCat != "effects" || len(backend.reorderedIDs) != 2 || backend.reorderedIDs[0] != "b.mp3" {
		t.Fatalf("persisted %v in %q", backend.reorderedIDs, backend.reorderedCat)
	}
}

func TestCreateMappingUpdatesResolverAndStore(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	backend.mu.Lock()
	backend.tiers["tw_bob"] = "1000"
	backend.mu.Unlock()

	if err := e.CreateMapping(context.Background(), "dc_bob", "tw_bob"); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if got := st.Snapshot().Mappings["dc_bob"]; got != "tw_bob" {
		t.Fatalf("store mapping = %q", got)
	}
	res, err := e.Resolver().Resolve(context.Background(), "dc_bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.State != identity.StateMapped || res.Tier != core.Tier1 {
		t.Fatalf("resolution after mapping: %+v", res)
	}
}

func TestRefreshErrorKeepsLastKnownValue(t *testing.T) {
	backend := newFakeBackend()
	e, st := newTestEngine(t, backend, nil)

	if err := e.RefreshStream(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Point the engine at a dead server by closing the backing httptest
	// server out from under it.
	snapBefore := st.Snapshot().Stream

	badClient, err := upstream.New("http://127.0.0.1:1", "", "", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	e.client = badClient

	if err := e.RefreshStream(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	snap := st.Snapshot()
	if snap.Stream != snapBefore {
		t.Fatalf("failed refresh changed the value: %+v", snap.Stream)
	}
	if snap.Meta[store.ResStream].LastError == "" {
		t.Fatalf("error not surfaced in meta")
	}
}
