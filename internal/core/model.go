package core

import "time"

// ChatMessage is one reconciled chat line. Identity is ID; messages are
// immutable once admitted into the retained window.
type ChatMessage struct {
	ID         string      `json:"id"`
	Username   string      `json:"username"`
	Colour     string      `json:"colour,omitempty"`
	Badges     []string    `json:"badges,omitempty"`
	BadgeInfo  string      `json:"badge_info,omitempty"`
	Text       string      `json:"text"`
	Emotes     []EmoteSpan `json:"emotes,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// EmoteSpan marks one emote occurrence inside a message body.
type EmoteSpan struct {
	ID    string `json:"id"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// StreamInfo mirrors the broadcast-session resource: counters plus the two
// operator-editable strings.
type StreamInfo struct {
	Viewers       int    `json:"viewers"`
	Followers     int    `json:"followers"`
	Subscribers   int    `json:"subscribers"`
	Title         string `json:"stream_title"`
	Category      string `json:"stream_category"`
	UptimeMinutes int    `json:"uptime_minutes"`
}

// BroadcastHealth carries the encoder-side telemetry counters.
type BroadcastHealth struct {
	Streaming     bool    `json:"streaming"`
	Recording     bool    `json:"recording"`
	CPUUsage      float64 `json:"cpu_usage"`
	GPUUsage      float64 `json:"gpu_usage"`
	FPS           int     `json:"fps"`
	Bitrate       int     `json:"bitrate"`
	DroppedFrames int     `json:"dropped_frames"`
	CurrentScene  string  `json:"current_scene"`
}

// SceneState is the scene list plus the active scene name.
type SceneState struct {
	Scenes  []string `json:"scenes"`
	Current string   `json:"current"`
}

// Alert is one event from the alert feed (follow, sub, donation, raid).
type Alert struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Username string    `json:"username"`
	Message  string    `json:"message"`
	Amount   int       `json:"amount,omitempty"`
	Ts       time.Time `json:"timestamp"`
}

// Tier is the closed set of viewer subscription levels.
type Tier string

const (
	TierNone    Tier = "none"
	Tier1       Tier = "tier1"
	Tier2       Tier = "tier2"
	Tier3       Tier = "tier3"
	TierFounder Tier = "founder"
)

// ParseTier maps upstream wire values onto the closed enumeration.
// Unknown values collapse to TierNone.
func ParseTier(raw string) Tier {
	switch raw {
	case "1000", "tier1", "1":
		return Tier1
	case "2000", "tier2", "2":
		return Tier2
	case "3000", "tier3", "3":
		return Tier3
	case "founder", "legacy":
		return TierFounder
	}
	return TierNone
}

// Submission is one crowd-submitted feedback entry. TargetHandle, Tier and
// Resolution are filled in by identity resolution, not by the upstream fetch.
type Submission struct {
	ID           string    `json:"id"`
	SourceHandle string    `json:"source_handle"`
	DisplayName  string    `json:"display_name"`
	SongLink     string    `json:"song_link"`
	Message      string    `json:"message_content,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	Status       string    `json:"status"`

	TargetHandle string `json:"target_handle,omitempty"`
	Tier         Tier   `json:"tier,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
}

// QueueStats aggregates submission-queue counters.
type QueueStats struct {
	TotalSubmissions int `json:"total_submissions"`
	Played           int `json:"played"`
	Skipped          int `json:"skipped"`
	Pending          int `json:"pending"`
	SkipQueueCount   int `json:"skip_queue_count"`
}

// Song is one music-queue entry.
type Song struct {
	ID          string    `json:"id"`
	Artist      string    `json:"artist"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	SubmittedBy string    `json:"submitted_by"`
	Votes       int       `json:"votes"`
	Status      string    `json:"status"`
	Ts          time.Time `json:"timestamp"`
}

// SoundAsset is one uploadable sound-library entry. FileName is the unique
// id; OrderIndex is significant only within a category.
type SoundAsset struct {
	FileName    string `json:"file_name"`
	DisplayName string `json:"display_name"`
	ColorTag    string `json:"color_tag,omitempty"`
	Category    string `json:"category"`
	OrderIndex  int    `json:"order_index"`
}

// AnalyticsSummary aggregates the session-level counters the backend
// computes per stream.
type AnalyticsSummary struct {
	StreamDurationMinutes int      `json:"stream_duration_minutes"`
	PeakViewers           int      `json:"peak_viewers"`
	AvgViewers            int      `json:"avg_viewers"`
	NewFollowers          int      `json:"new_followers"`
	NewSubscribers        int      `json:"new_subscribers"`
	SongsReviewed         int      `json:"total_songs_reviewed"`
	SongsInQueue          int      `json:"songs_in_queue"`
	ChatMessages          int      `json:"chat_messages"`
	ClipsCreated          int      `json:"clips_created"`
	TopChatters           []string `json:"top_chatters"`
}

// ChatSentiment is the backend's rolling read of chat mood.
type ChatSentiment struct {
	Overall        string   `json:"overall"`
	Score          float64  `json:"score"`
	TopEmotes      []string `json:"top_emotes"`
	TrendingTopics []string `json:"trending_topics"`
}

// HighlightSuggestion is one clip-worthy moment the backend flagged.
type HighlightSuggestion struct {
	Timestamp string  `json:"timestamp"`
	Reason    string  `json:"reason"`
	Score     float64 `json:"score"`
}

// AutoMatch is the memoized outcome of a best-effort handle match,
// including the explicit negative so unmatched names are never re-queried.
type AutoMatch struct {
	Matched      bool   `json:"matched"`
	TargetHandle string `json:"target_handle,omitempty"`
	Tier         Tier   `json:"tier,omitempty"`
}
