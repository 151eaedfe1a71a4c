// Package store holds the reconciled dashboard state. Fetchers write
// into it through per-resource setters; readers take snapshot copies and
// subscribers get change notifications for the live feed.
package store

import (
	"sync"
	"time"

	"github.com/you/streamsync/internal/core"
)

// Resource names, used for metadata keys and change notifications.
const (
	ResStream      = "stream"
	ResHealth      = "health"
	ResScenes      = "scenes"
	ResSources     = "sources"
	ResChat        = "chat"
	ResAlerts      = "alerts"
	ResSubmissions = "submissions"
	ResSkipQueue   = "skip_queue"
	ResQueueStats  = "queue_stats"
	ResSongs       = "songs"
	ResNowPlaying  = "now_playing"
	ResSounds      = "sounds"
	ResMappings    = "mappings"
	ResAnalytics   = "analytics"
	ResSentiment   = "sentiment"
	ResHighlights  = "highlights"
)

// Meta records the freshness of one resource. A failed refresh keeps the
// last-known value and surfaces the error here.
type Meta struct {
	FetchedAt time.Time `json:"fetched_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot is a point-in-time copy of everything the store holds.
type Snapshot struct {
	Stream      core.StreamInfo      `json:"stream"`
	Health      core.BroadcastHealth `json:"health"`
	Scenes      core.SceneState      `json:"scenes"`
	Sources     map[string]bool      `json:"sources"`
	Chat        []core.ChatMessage   `json:"chat"`
	Alerts      []core.Alert         `json:"alerts"`
	Submissions []core.Submission    `json:"submissions"`
	SkipQueue   []core.Submission    `json:"skip_queue"`
	QueueStats  core.QueueStats      `json:"queue_stats"`
	Songs       []core.Song          `json:"songs"`
	NowPlaying  *core.Song           `json:"now_playing,omitempty"`
	Sounds      []core.SoundAsset    `json:"sounds"`
	Mappings    map[string]string    `json:"mappings"`

	Analytics  core.AnalyticsSummary      `json:"analytics"`
	Sentiment  core.ChatSentiment         `json:"sentiment"`
	Highlights []core.HighlightSuggestion `json:"highlights"`

	Meta map[string]Meta `json:"meta"`
}

// Event announces that one resource changed.
type Event struct {
	Resource string    `json:"resource"`
	At       time.Time `json:"at"`
}

// Store is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

func New() *Store {
	return &Store{
		snap: Snapshot{
			Mappings: map[string]string{},
			Meta:     map[string]Meta{},
		},
		now:  time.Now,
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a change-event channel. Slow subscribers drop
// events rather than blocking writers.
func (s *Store) Subscribe() chan Event {
	ch := make(chan Event, 16)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch chan Event) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()
	close(ch)
}

func (s *Store) notify(resource string, at time.Time) {
	ev := Event{Resource: resource, At: at}
	s.subMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.subMu.Unlock()
}

func (s *Store) set(resource string, apply func(*Snapshot)) {
	s.mu.Lock()
	apply(&s.snap)
	at := s.now()
	s.snap.Meta[resource] = Meta{FetchedAt: at}
	s.mu.Unlock()
	s.notify(resource, at)
}

// SetError records a failed refresh. The resource keeps its last-known
// value and its previous fetch timestamp.
func (s *Store) SetError(resource string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	meta := s.snap.Meta[resource]
	meta.LastError = err.Error()
	s.snap.Meta[resource] = meta
	s.mu.Unlock()
}

func (s *Store) SetStream(v core.StreamInfo) {
	s.set(ResStream, func(sn *Snapshot) { sn.Stream = v })
}

func (s *Store) SetHealth(v core.BroadcastHealth) {
	s.set(ResHealth, func(sn *Snapshot) { sn.Health = v })
}

func (s *Store) SetScenes(v core.SceneState) {
	s.set(ResScenes, func(sn *Snapshot) {
		v.Scenes = append([]string(nil), v.Scenes...)
		sn.Scenes = v
	})
}

func (s *Store) SetSources(v map[string]bool) {
	s.set(ResSources, func(sn *Snapshot) {
		m := make(map[string]bool, len(v))
		for k, val := range v {
			m[k] = val
		}
		sn.Sources = m
	})
}

func (s *Store) SetChat(v []core.ChatMessage) {
	s.set(ResChat, func(sn *Snapshot) { sn.Chat = append([]core.ChatMessage(nil), v...) })
}

func (s *Store) SetAlerts(v []core.Alert) {
	s.set(ResAlerts, func(sn *Snapshot) { sn.Alerts = append([]core.Alert(nil), v...) })
}

func (s *Store) SetSubmissions(v []core.Submission) {
	s.set(ResSubmissions, func(sn *Snapshot) { sn.Submissions = append([]core.Submission(nil), v...) })
}

func (s *Store) SetSkipQueue(v []core.Submission) {
	s.set(ResSkipQueue, func(sn *Snapshot) { sn.SkipQueue = append([]core.Submission(nil), v...) })
}

func (s *Store) SetQueueStats(v core.QueueStats) {
	s.set(ResQueueStats, func(sn *Snapshot) { sn.QueueStats = v })
}

func (s *Store) SetSongs(v []core.Song) {
	s.set(ResSongs, func(sn *Snapshot) { sn.Songs = append([]core.Song(nil), v...) })
}

func (s *Store) SetNowPlaying(v *core.Song) {
	s.set(ResNowPlaying, func(sn *Snapshot) {
		if v == nil {
			sn.NowPlaying = nil
			return
		}
		song := *v
		sn.NowPlaying = &song
	})
}

func (s *Store) SetSounds(v []core.SoundAsset) {
	s.set(ResSounds, func(sn *Snapshot) { sn.Sounds = append([]core.SoundAsset(nil), v...) })
}

func (s *Store) SetMappings(v map[string]string) {
	s.set(ResMappings, func(sn *Snapshot) {
		m := make(map[string]string, len(v))
		for k, val := range v {
			m[k] = val
		}
		sn.Mappings = m
	})
}

func (s *Store) SetAnalytics(v core.AnalyticsSummary) {
	s.set(ResAnalytics, func(sn *Snapshot) {
		v.TopChatters = append([]string(nil), v.TopChatters...)
		sn.Analytics = v
	})
}

func (s *Store) SetSentiment(v core.ChatSentiment) {
	s.set(ResSentiment, func(sn *Snapshot) {
		v.TopEmotes = append([]string(nil), v.TopEmotes...)
		v.TrendingTopics = append([]string(nil), v.TrendingTopics...)
		sn.Sentiment = v
	})
}

func (s *Store) SetHighlights(v []core.HighlightSuggestion) {
	s.set(ResHighlights, func(sn *Snapshot) {
		sn.Highlights = append([]core.HighlightSuggestion(nil), v...)
	})
}

// Sounds returns a copy of the current sound-asset collection, for the
// reorder path which reads and writes the same slice.
func (s *Store) Sounds() []core.SoundAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.SoundAsset(nil), s.snap.Sounds...)
}

// Snapshot returns a copy safe to serialize without further locking.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.snap
	out.Scenes.Scenes = append([]string(nil), s.snap.Scenes.Scenes...)
	out.Chat = append([]core.ChatMessage(nil), s.snap.Chat...)
	out.Alerts = append([]core.Alert(nil), s.snap.Alerts...)
	out.Submissions = append([]core.Submission(nil), s.snap.Submissions...)
	out.SkipQueue = append([]core.Submission(nil), s.snap.SkipQueue...)
	if s.snap.Sources != nil {
		out.Sources = make(map[string]bool, len(s.snap.Sources))
		for k, v := range s.snap.Sources {
			out.Sources[k] = v
		}
	}
	out.Songs = append([]core.Song(nil), s.snap.Songs...)
	out.Sounds = append([]core.SoundAsset(nil), s.snap.Sounds...)
	if s.snap.NowPlaying != nil {
		song := *s.snap.NowPlaying
		out.NowPlaying = &song
	}
	out.Analytics.TopChatters = append([]string(nil), s.snap.Analytics.TopChatters...)
	out.Sentiment.TopEmotes = append([]string(nil), s.snap.Sentiment.TopEmotes...)
	out.Sentiment.TrendingTopics = append([]string(nil), s.snap.Sentiment.TrendingTopics...)
	out.Highlights = append([]core.HighlightSuggestion(nil), s.snap.Highlights...)
	out.Mappings = make(map[string]string, len(s.snap.Mappings))
	for k, v := range s.snap.Mappings {
		out.Mappings[k] = v
	}
	out.Meta = make(map[string]Meta, len(s.snap.Meta))
	for k, v := range s.snap.Meta {
		out.Meta[k] = v
	}
	return out
}
