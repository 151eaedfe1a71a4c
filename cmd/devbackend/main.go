// devbackend is a stand-in for the streaming-control backend. It serves
// the full REST surface syncd polls, with canned data that drifts over
// time so the dashboard has something to reconcile against.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

type backend struct {
	mu sync.Mutex

	title    string
	category string
	scenes   []string
	current  string
	sources  map[string]bool

	streaming bool
	recording bool
	clipSeq   int
	markers   int

	chatSeq  int
	chat     []map[string]any
	alerts   []map[string]any
	mappings map[string]string
	tiers    map[string]string
	subs     []map[string]any
	skips    []map[string]any
	songSeq  int
	songs    []map[string]any
	sounds   []map[string]any
}

func newBackend() *backend {
	return &backend{
		title:     "Rhythm game marathon",
		category:  "Music",
		scenes:    []string{"Main", "BRB", "Ending"},
		current:   "Main",
		sources:   map[string]bool{"webcam": true, "overlay": true, "alert-box": false},
		streaming: true,
		mappings:  map[string]string{"alice_yt": "alice_tw"},
		tiers:     map[string]string{"alice_tw": "2000", "mod_mary": "3000"},
		subs: []map[string]any{
			{"id": "sub-1", "source_handle": "alice_yt", "display_name": "Alice", "song_link": "https://youtu.be/fire", "submitted_at": time.Now().UTC().Add(-10 * time.Minute), "status": "pending"},
			{"id": "sub-2", "source_handle": "drive_by_dave", "display_name": "Dave", "song_link": "https://youtu.be/freebird", "submitted_at": time.Now().UTC().Add(-5 * time.Minute), "status": "pending"},
		},
		skips: []map[string]any{
			{"id": "skip-1", "source_handle": "mod_mary", "display_name": "Mary", "song_link": "https://youtu.be/shark", "submitted_at": time.Now().UTC().Add(-2 * time.Minute), "status": "pending"},
		},
		songSeq: 1,
		songs: []map[string]any{
			{"id": "song-1", "artist": "Dragonforce", "title": "Through the Fire", "submitted_by": "alice_yt", "votes": 4, "status": "queued", "timestamp": time.Now().UTC()},
		},
		sounds: []map[string]any{
			{"file_name": "airhorn.mp3", "display_name": "Airhorn", "category": "memes", "order_index": 0},
			{"file_name": "sadtrombone.mp3", "display_name": "Sad Trombone", "category": "memes", "order_index": 1},
			{"file_name": "applause.mp3", "display_name": "Applause", "category": "crowd", "order_index": 0},
		},
	}
}

// tick pushes one synthetic chat message so repeat polls see fresh data.
func (b *backend) tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chatSeq++
	b.chat = append(b.chat, map[string]any{
		"id":        fmt.Sprintf("msg-%d", b.chatSeq),
		"username":  "drive_by_dave",
		"message":   fmt.Sprintf("poggers x%d", b.chatSeq),
		"timestamp": time.Now().UTC(),
		"color":     "#1E90FF",
		"badges":    []string{"subscriber"},
	})
	if len(b.chat) > 30 {
		b.chat = b.chat[len(b.chat)-30:]
	}
	if b.chatSeq%10 == 0 {
		b.alerts = append(b.alerts, map[string]any{
			"id":        fmt.Sprintf("alert-%d", b.chatSeq),
			"type":      "subscription",
			"username":  "drive_by_dave",
			"message":   "subscribed!",
			"timestamp": time.Now().UTC(),
		})
		if len(b.alerts) > 10 {
			b.alerts = b.alerts[len(b.alerts)-10:]
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	var addr string
	flag.StringVar(&addr, "addr", ":8900", "HTTP listen address")
	flag.Parse()

	b := newBackend()
	go func() {
		for range time.Tick(2 * time.Second) {
			b.tick()
		}
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /twitch/stats", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{
			"stream_title":    b.title,
			"stream_category": b.category,
			"viewer_count":    123,
			"is_live":         true,
			"uptime_seconds":  5400,
		})
	})
	mux.HandleFunc("POST /twitch/title", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.title = req.Title
		b.mu.Unlock()
		writeJSON(w, map[string]any{"title": req.Title})
	})
	mux.HandleFunc("POST /twitch/category", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Category string `json:"category"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.category = req.Category
		b.mu.Unlock()
		writeJSON(w, map[string]any{"category": req.Category})
	})
	mux.HandleFunc("GET /twitch/chat", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.chat)
	})
	mux.HandleFunc("GET /twitch/alerts", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.alerts)
	})

	mux.HandleFunc("GET /obs/stats", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{
			"streaming":      b.streaming,
			"recording":      b.recording,
			"cpu_usage":      12.5,
			"fps":            60.0,
			"dropped_frames": 3,
			"bitrate_kbps":   6000,
		})
	})
	mux.HandleFunc("POST /obs/stream", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Action != "start" && req.Action != "stop") {
			http.Error(w, "action must be start or stop", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.streaming = req.Action == "start"
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /obs/recording", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Action != "start" && req.Action != "stop") {
			http.Error(w, "action must be start or stop", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.recording = req.Action == "start"
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /obs/clip", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.clipSeq++
		name := fmt.Sprintf("clip_%s_%03d.mp4", time.Now().UTC().Format("20060102"), b.clipSeq)
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true, "message": "replay buffer saved", "filename": name})
	})
	mux.HandleFunc("POST /twitch/marker", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.markers++
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("GET /obs/scenes", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{"scenes": b.scenes, "current": b.current})
	})
	mux.HandleFunc("POST /obs/scene", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SceneName string `json:"scene_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.current = req.SceneName
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("GET /obs/sources", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{"sources": b.sources})
	})
	mux.HandleFunc("POST /obs/source", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SourceName string `json:"source_name"`
			Visible    bool   `json:"visible"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.sources[req.SourceName] = req.Visible
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})

	mux.HandleFunc("GET /queue/submissions", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.subs)
	})
	mux.HandleFunc("GET /queue/skips", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.skips)
	})
	mux.HandleFunc("GET /queue/stats", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{
			"pending": len(b.subs),
			"skips":   len(b.skips),
			"played":  7,
		})
	})
	mux.HandleFunc("GET /queue/mappings", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		out := make([]map[string]string, 0, len(b.mappings))
		for source, target := range b.mappings {
			out = append(out, map[string]string{"source_handle": source, "target_handle": target})
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("POST /queue/map-username", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SourceHandle string `json:"source_handle"`
			TargetHandle string `json:"target_handle"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.mappings[req.SourceHandle] = req.TargetHandle
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("DELETE /queue/map-username/{handle}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		delete(b.mappings, r.PathValue("handle"))
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /queue/mark", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SubmissionID string `json:"submission_id"`
			Status       string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		for _, sub := range b.subs {
			if sub["id"] == req.SubmissionID {
				sub["status"] = req.Status
			}
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /queue/mark-skip", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SubmissionID string `json:"submission_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		for _, skip := range b.skips {
			if skip["id"] == req.SubmissionID {
				skip["status"] = "skipped"
			}
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("GET /queue/tier/{handle}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		tier, ok := b.tiers[r.PathValue("handle")]
		b.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{"tier": tier})
	})
	mux.HandleFunc("GET /queue/auto-match/{handle}", func(w http.ResponseWriter, r *http.Request) {
		handle := r.PathValue("handle")
		// Cheap heuristic: _yt handles match their _tw twin.
		if strings.HasSuffix(handle, "_yt") {
			target := strings.TrimSuffix(handle, "_yt") + "_tw"
			b.mu.Lock()
			tier := b.tiers[target]
			b.mu.Unlock()
			writeJSON(w, map[string]any{"matched": true, "target_handle": target, "tier": tier})
			return
		}
		writeJSON(w, map[string]any{"matched": false})
	})

	mux.HandleFunc("GET /music/queue", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.songs)
	})
	mux.HandleFunc("GET /music/now-playing", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.songs) == 0 {
			writeJSON(w, map[string]any{"id": ""})
			return
		}
		writeJSON(w, b.songs[0])
	})

	mux.HandleFunc("POST /music/submit", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.songSeq++
		req["id"] = fmt.Sprintf("song-%d", b.songSeq)
		req["status"] = "queued"
		req["timestamp"] = time.Now().UTC()
		b.songs = append(b.songs, req)
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true, "id": req["id"]})
	})
	mux.HandleFunc("POST /music/play/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		b.mu.Lock()
		for _, song := range b.songs {
			if song["id"] == id {
				song["status"] = "playing"
			} else if song["status"] == "playing" {
				song["status"] = "played"
			}
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /music/skip/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		b.mu.Lock()
		for _, song := range b.songs {
			if song["id"] == id {
				song["status"] = "skipped"
			}
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /music/vote", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SongID string `json:"song_id"`
			Vote   int    `json:"vote"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		for _, song := range b.songs {
			if song["id"] != req.SongID {
				continue
			}
			switch v := song["votes"].(type) {
			case int:
				song["votes"] = v + req.Vote
			case float64:
				song["votes"] = int(v) + req.Vote
			default:
				song["votes"] = req.Vote
			}
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})

	mux.HandleFunc("GET /analytics/summary", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, map[string]any{
			"stream_duration_minutes": 90,
			"peak_viewers":            240,
			"avg_viewers":             180,
			"new_followers":           12,
			"new_subscribers":         3,
			"total_songs_reviewed":    7,
			"songs_in_queue":          len(b.songs),
			"chat_messages":           b.chatSeq,
			"clips_created":           b.clipSeq,
			"top_chatters":            []string{"drive_by_dave", "mod_mary"},
		})
	})
	mux.HandleFunc("GET /ai/sentiment", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"overall":         "positive",
			"score":           0.72,
			"top_emotes":      []string{"PogChamp", "Kappa"},
			"trending_topics": []string{"speedrun", "new album"},
		})
	})
	mux.HandleFunc("GET /ai/highlights", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"suggested_clips": []map[string]any{
				{"timestamp": "00:42:10", "reason": "chat spike after clutch finish", "score": 0.91},
				{"timestamp": "01:05:33", "reason": "raid landed mid-song", "score": 0.78},
			},
		})
	})

	mux.HandleFunc("GET /sounds", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		writeJSON(w, b.sounds)
	})
	mux.HandleFunc("POST /sounds/reorder", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrderedIDs []string `json:"ordered_ids"`
			Category   string   `json:"category"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		pos := make(map[string]int, len(req.OrderedIDs))
		for i, id := range req.OrderedIDs {
			pos[id] = i
		}
		b.mu.Lock()
		for _, sound := range b.sounds {
			if i, ok := pos[sound["file_name"].(string)]; ok {
				sound["order_index"] = i
			}
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("PUT /sounds/{file}", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		file := r.PathValue("file")
		b.mu.Lock()
		for _, sound := range b.sounds {
			if sound["file_name"] == file {
				for k, v := range req {
					if k != "file_name" {
						sound[k] = v
					}
				}
			}
		}
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})
	mux.HandleFunc("DELETE /sounds/{file}", func(w http.ResponseWriter, r *http.Request) {
		file := r.PathValue("file")
		b.mu.Lock()
		kept := b.sounds[:0]
		for _, sound := range b.sounds {
			if sound["file_name"] != file {
				kept = append(kept, sound)
			}
		}
		b.sounds = kept
		b.mu.Unlock()
		writeJSON(w, map[string]any{"success": true})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log.Printf("devbackend listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}
