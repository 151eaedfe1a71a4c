// Package upstream is the REST client for the dashboard backend. Every
// resource the poller refreshes and every write-back the operator
// triggers goes through here.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/you/streamsync/internal/core"
)

// ErrNotFound is returned for a definitive 404 from the backend, as
// opposed to transport or server errors.
var ErrNotFound = errors.New("upstream: not found")

type Client struct {
	base string
	http *http.Client

	mu     sync.Mutex
	token  string
	loader *TokenLoader
}

// New builds a client for the backend at baseURL. token is the static
// bearer token; tokenFile, when set, takes precedence and can be
// reloaded at runtime.
func New(baseURL, token, tokenFile string, timeout time.Duration) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("upstream: base URL required")
	}
	c := &Client{
		base:  base,
		http:  &http.Client{Timeout: timeout},
		token: NormalizeToken(token),
	}
	if strings.TrimSpace(tokenFile) != "" {
		c.loader = NewTokenLoader(tokenFile)
		c.loader.SetCached(c.token)
		if _, err := c.ReloadToken(); err != nil {
			return nil, fmt.Errorf("load token file: %w", err)
		}
	}
	return c, nil
}

// ReloadToken re-reads the token file and reports whether the token
// changed. Without a configured file it is a no-op.
func (c *Client) ReloadToken() (bool, error) {
	if c.loader == nil {
		return false, nil
	}
	token, changed, err := c.loader.Load()
	if err != nil {
		return false, err
	}
	if changed {
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
	}
	return changed, nil
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// wire shapes

type wireMessage struct {
	ID        string           `json:"id"`
	Username  string           `json:"username"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Badges    []string         `json:"badges"`
	BadgeInfo string           `json:"badge_info"`
	Color     string           `json:"color"`
	Emotes    []core.EmoteSpan `json:"emotes"`
}

type wireScenes struct {
	Scenes  []string `json:"scenes"`
	Current string   `json:"current"`
}

type wireSources struct {
	Sources map[string]bool `json:"sources"`
}

type wireMapping struct {
	SourceHandle string `json:"source_handle"`
	TargetHandle string `json:"target_handle"`
}

type wireTier struct {
	Tier string `json:"tier"`
}

type wireAutoMatch struct {
	Matched      bool   `json:"matched"`
	TargetHandle string `json:"target_handle"`
	Tier         string `json:"tier"`
}

type wireSong struct {
	ID          string    `json:"id"`
	Artist      string    `json:"artist"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	SubmittedBy string    `json:"submitted_by"`
	Votes       int       `json:"votes"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

func (w wireSong) song() core.Song {
	return core.Song{
		ID: w.ID, Artist: w.Artist, Title: w.Title, URL: w.URL,
		SubmittedBy: w.SubmittedBy, Votes: w.Votes, Status: w.Status, Ts: w.Timestamp,
	}
}

// reads

func (c *Client) Stream(ctx context.Context) (core.StreamInfo, error) {
	var out core.StreamInfo
	err := c.getJSON(ctx, "/twitch/stats", &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) (core.BroadcastHealth, error) {
	var out core.BroadcastHealth
	err := c.getJSON(ctx, "/obs/stats", &out)
	return out, err
}

func (c *Client) Scenes(ctx context.Context) (core.SceneState, error) {
	var w wireScenes
	if err := c.getJSON(ctx, "/obs/scenes", &w); err != nil {
		return core.SceneState{}, err
	}
	return core.SceneState{Scenes: w.Scenes, Current: w.Current}, nil
}

func (c *Client) Sources(ctx context.Context) (map[string]bool, error) {
	var w wireSources
	if err := c.getJSON(ctx, "/obs/sources", &w); err != nil {
		return nil, err
	}
	return w.Sources, nil
}

func (c *Client) Chat(ctx context.Context) ([]core.ChatMessage, error) {
	var wires []wireMessage
	if err := c.getJSON(ctx, "/twitch/chat", &wires); err != nil {
		return nil, err
	}
	out := make([]core.ChatMessage, 0, len(wires))
	for _, w := range wires {
		out = append(out, core.ChatMessage{
			ID:         w.ID,
			Username:   w.Username,
			Colour:     w.Color,
			Badges:     w.Badges,
			BadgeInfo:  w.BadgeInfo,
			Text:       w.Message,
			Emotes:     w.Emotes,
			ReceivedAt: w.Timestamp,
		})
	}
	return out, nil
}

func (c *Client) Alerts(ctx context.Context) ([]core.Alert, error) {
	var wires []struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		Username  string    `json:"username"`
		Message   string    `json:"message"`
		Amount    int       `json:"amount"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := c.getJSON(ctx, "/twitch/alerts", &wires); err != nil {
		return nil, err
	}
	out := make([]core.Alert, 0, len(wires))
	for _, w := range wires {
		out = append(out, core.Alert{
			ID: w.ID, Type: w.Type, Username: w.Username,
			Message: w.Message, Amount: w.Amount, Ts: w.Timestamp,
		})
	}
	return out, nil
}

func (c *Client) Submissions(ctx context.Context) ([]core.Submission, error) {
	var out []core.Submission
	err := c.getJSON(ctx, "/queue/submissions", &out)
	return out, err
}

func (c *Client) SkipQueue(ctx context.Context) ([]core.Submission, error) {
	var out []core.Submission
	err := c.getJSON(ctx, "/queue/skips", &out)
	return out, err
}

func (c *Client) QueueStats(ctx context.Context) (core.QueueStats, error) {
	var out core.QueueStats
	err := c.getJSON(ctx, "/queue/stats", &out)
	return out, err
}

func (c *Client) Mappings(ctx context.Context) (map[string]string, error) {
	var wires []wireMapping
	if err := c.getJSON(ctx, "/queue/mappings", &wires); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(wires))
	for _, w := range wires {
		if w.SourceHandle == "" || w.TargetHandle == "" {
			continue
		}
		out[w.SourceHandle] = w.TargetHandle
	}
	return out, nil
}

func (c *Client) Songs(ctx context.Context) ([]core.Song, error) {
	var wires []wireSong
	if err := c.getJSON(ctx, "/music/queue", &wires); err != nil {
		return nil, err
	}
	out := make([]core.Song, 0, len(wires))
	for _, w := range wires {
		out = append(out, w.song())
	}
	return out, nil
}

// NowPlaying returns nil when no song is playing; the backend answers
// with a placeholder object rather than a 404 in that case.
func (c *Client) NowPlaying(ctx context.Context) (*core.Song, error) {
	var w wireSong
	if err := c.getJSON(ctx, "/music/now-playing", &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, nil
	}
	song := w.song()
	return &song, nil
}

func (c *Client) Sounds(ctx context.Context) ([]core.SoundAsset, error) {
	var out []core.SoundAsset
	err := c.getJSON(ctx, "/sounds", &out)
	return out, err
}

func (c *Client) Analytics(ctx context.Context) (core.AnalyticsSummary, error) {
	var out core.AnalyticsSummary
	err := c.getJSON(ctx, "/analytics/summary", &out)
	return out, err
}

func (c *Client) Sentiment(ctx context.Context) (core.ChatSentiment, error) {
	var out core.ChatSentiment
	err := c.getJSON(ctx, "/ai/sentiment", &out)
	return out, err
}

func (c *Client) Highlights(ctx context.Context) ([]core.HighlightSuggestion, error) {
	var w struct {
		SuggestedClips []core.HighlightSuggestion `json:"suggested_clips"`
	}
	if err := c.getJSON(ctx, "/ai/highlights", &w); err != nil {
		return nil, err
	}
	return w.SuggestedClips, nil
}

// identity lookups

func (c *Client) TierFor(ctx context.Context, targetHandle string) (core.Tier, error) {
	var w wireTier
	if err := c.getJSON(ctx, "/queue/tier/"+url.PathEscape(targetHandle), &w); err != nil {
		return core.TierNone, err
	}
	return core.ParseTier(w.Tier), nil
}

func (c *Client) AutoMatch(ctx context.Context, sourceHandle string) (core.AutoMatch, error) {
	var w wireAutoMatch
	if err := c.getJSON(ctx, "/queue/auto-match/"+url.PathEscape(sourceHandle), &w); err != nil {
		return core.AutoMatch{}, err
	}
	if !w.Matched {
		return core.AutoMatch{Matched: false}, nil
	}
	return core.AutoMatch{Matched: true, TargetHandle: w.TargetHandle, Tier: core.ParseTier(w.Tier)}, nil
}

// write-backs

// UpdateTitle persists the stream title and returns the confirmed value.
func (c *Client) UpdateTitle(ctx context.Context, title string) (string, error) {
	var resp struct {
		Title string `json:"title"`
	}
	if err := c.postJSON(ctx, "/twitch/title", map[string]string{"title": title}, &resp); err != nil {
		return "", err
	}
	if resp.Title == "" {
		return title, nil
	}
	return resp.Title, nil
}

func (c *Client) UpdateCategory(ctx context.Context, category string) (string, error) {
	var resp struct {
		Category string `json:"category"`
	}
	if err := c.postJSON(ctx, "/twitch/category", map[string]string{"category": category}, &resp); err != nil {
		return "", err
	}
	if resp.Category == "" {
		return category, nil
	}
	return resp.Category, nil
}

func (c *Client) CreateMapping(ctx context.Context, sourceHandle, targetHandle string) error {
	body := wireMapping{SourceHandle: sourceHandle, TargetHandle: targetHandle}
	return c.postJSON(ctx, "/queue/map-username", body, nil)
}

func (c *Client) DeleteMapping(ctx context.Context, sourceHandle string) error {
	return c.do(ctx, http.MethodDelete, "/queue/map-username/"+url.PathEscape(sourceHandle), nil, nil)
}

func (c *Client) MarkSubmission(ctx context.Context, id, status string) error {
	body := map[string]string{"submission_id": id, "status": status}
	return c.postJSON(ctx, "/queue/mark", body, nil)
}

func (c *Client) MarkSkip(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/queue/mark-skip", map[string]string{"submission_id": id}, nil)
}

func (c *Client) SwitchScene(ctx context.Context, name string) error {
	return c.postJSON(ctx, "/obs/scene", map[string]string{"scene_name": name}, nil)
}

func (c *Client) ToggleSource(ctx context.Context, name string, visible bool) error {
	body := map[string]any{"source_name": name, "visible": visible}
	return c.postJSON(ctx, "/obs/source", body, nil)
}

func (c *Client) UpdateSound(ctx context.Context, asset core.SoundAsset) error {
	return c.do(ctx, http.MethodPut, "/sounds/"+url.PathEscape(asset.FileName), asset, nil)
}

func (c *Client) DeleteSound(ctx context.Context, fileName string) error {
	return c.do(ctx, http.MethodDelete, "/sounds/"+url.PathEscape(fileName), nil, nil)
}

// ControlStream starts or stops the broadcast; action is "start" or
// "stop".
func (c *Client) ControlStream(ctx context.Context, action string) error {
	return c.postJSON(ctx, "/obs/stream", map[string]string{"action": action}, nil)
}

func (c *Client) ControlRecording(ctx context.Context, action string) error {
	return c.postJSON(ctx, "/obs/recording", map[string]string{"action": action}, nil)
}

// SaveClip asks the encoder to clip the recent buffer and returns the
// clip file name the backend reports.
func (c *Client) SaveClip(ctx context.Context) (string, error) {
	var resp struct {
		Filename string `json:"filename"`
	}
	if err := c.postJSON(ctx, "/obs/clip", nil, &resp); err != nil {
		return "", err
	}
	return resp.Filename, nil
}

func (c *Client) CreateMarker(ctx context.Context) error {
	return c.postJSON(ctx, "/twitch/marker", nil, nil)
}

func (c *Client) SubmitSong(ctx context.Context, song core.Song) error {
	body := wireSong{
		ID: song.ID, Artist: song.Artist, Title: song.Title, URL: song.URL,
		SubmittedBy: song.SubmittedBy, Votes: song.Votes, Status: song.Status, Timestamp: song.Ts,
	}
	return c.postJSON(ctx, "/music/submit", body, nil)
}

func (c *Client) PlaySong(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/music/play/"+url.PathEscape(id), nil, nil)
}

func (c *Client) SkipSong(ctx context.Context, id string) error {
	return c.postJSON(ctx, "/music/skip/"+url.PathEscape(id), nil, nil)
}

// VoteSong adjusts a queued song's vote count; vote is +1 or -1.
func (c *Client) VoteSong(ctx context.Context, id string, vote int) error {
	body := map[string]any{"song_id": id, "vote": vote}
	return c.postJSON(ctx, "/music/vote", body, nil)
}

// PersistOrder writes the full ordered id list plus the category the
// reorder happened in.
func (c *Client) PersistOrder(ctx context.Context, orderedIDs []string, category string) error {
	body := map[string]any{"ordered_ids": orderedIDs, "category": category}
	return c.postJSON(ctx, "/sounds/reorder", body, nil)
}

// plumbing

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
