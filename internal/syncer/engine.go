// Package syncer composes the upstream client, the reconcilers and the
// store into one engine. The poller drives its refresh methods; the HTTP
// API drives its control methods.
package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/you/streamsync/internal/chatlog"
	"github.com/you/streamsync/internal/core"
	"github.com/you/streamsync/internal/editguard"
	"github.com/you/streamsync/internal/identity"
	"github.com/you/streamsync/internal/poller"
	"github.com/you/streamsync/internal/sink"
	"github.com/you/streamsync/internal/soundlib"
	"github.com/you/streamsync/internal/store"
	"github.com/you/streamsync/internal/upstream"
)

// Options tunes the engine's windows and caches.
type Options struct {
	ChatRetention  int
	AlertRetention int
	TierCacheTTL   time.Duration
}

type Engine struct {
	client   *upstream.Client
	store    *store.Store
	chat     *chatlog.Log
	title    *editguard.Field
	category *editguard.Field
	resolver *identity.Resolver
	archive  sink.Archiver

	alertMu        sync.Mutex
	alertWindow    []core.Alert
	alertRetention int

	// Entries whose archive write failed wait here for the next
	// refresh; admission into the log is not repeatable, so a failed
	// write must not lose the entry.
	archMu       sync.Mutex
	msgBacklog   []core.ChatMessage
	alertBacklog []core.Alert
}

// archiveBacklogMax bounds the requeue buffer; beyond it the oldest
// entries are dropped rather than growing without bound against a dead
// archive.
const archiveBacklogMax = 1024

// lookupAdapter maps the backend's definitive 404 onto the resolver's
// negative sentinel so only true no-matches get memoized.
type lookupAdapter struct {
	c *upstream.Client
}

func (l lookupAdapter) TierFor(ctx context.Context, targetHandle string) (core.Tier, error) {
	tier, err := l.c.TierFor(ctx, targetHandle)
	if errors.Is(err, upstream.ErrNotFound) {
		return core.TierNone, identity.ErrNoMatch
	}
	return tier, err
}

func (l lookupAdapter) AutoMatch(ctx context.Context, sourceHandle string) (core.AutoMatch, error) {
	match, err := l.c.AutoMatch(ctx, sourceHandle)
	if errors.Is(err, upstream.ErrNotFound) {
		return core.AutoMatch{Matched: false}, identity.ErrNoMatch
	}
	return match, err
}

func New(client *upstream.Client, st *store.Store, archive sink.Archiver, opts Options) *Engine {
	chatMax := opts.ChatRetention
	if chatMax <= 0 {
		chatMax = 50
	}
	alertMax := opts.AlertRetention
	if alertMax <= 0 {
		alertMax = 5
	}
	return &Engine{
		client:         client,
		store:          st,
		chat:           chatlog.NewLog(chatMax),
		title:          &editguard.Field{},
		category:       &editguard.Field{},
		resolver:       identity.NewResolver(lookupAdapter{c: client}, opts.TierCacheTTL),
		archive:        archive,
		alertRetention: alertMax,
	}
}

// Resolver exposes the identity resolver for admin surfaces.
func (e *Engine) Resolver() *identity.Resolver { return e.resolver }

// Client exposes the upstream client for token administration.
func (e *Engine) Client() *upstream.Client { return e.client }

// TitleDirty reports whether an operator title edit is awaiting commit.
func (e *Engine) TitleDirty() bool { return e.title.Dirty() }

// CategoryDirty reports whether a category edit is awaiting commit.
func (e *Engine) CategoryDirty() bool { return e.category.Dirty() }

// Fetchers returns one fetcher per polled resource, for the scheduler.
func (e *Engine) Fetchers() []poller.Fetcher {
	return []poller.Fetcher{
		{Name: store.ResStream, Refresh: e.RefreshStream},
		{Name: store.ResHealth, Refresh: e.RefreshHealth},
		{Name: store.ResScenes, Refresh: e.RefreshScenes},
		{Name: store.ResSources, Refresh: e.RefreshSources},
		{Name: store.ResChat, Refresh: e.RefreshChat},
		{Name: store.ResAlerts, Refresh: e.RefreshAlerts},
		{Name: store.ResSubmissions, Refresh: e.RefreshSubmissions},
		{Name: store.ResSkipQueue, Refresh: e.RefreshSkipQueue},
		{Name: store.ResQueueStats, Refresh: e.RefreshQueueStats},
		{Name: store.ResMappings, Refresh: e.RefreshMappings},
		{Name: store.ResSongs, Refresh: e.RefreshSongs},
		{Name: store.ResNowPlaying, Refresh: e.RefreshNowPlaying},
		{Name: store.ResSounds, Refresh: e.RefreshSounds},
		{Name: store.ResAnalytics, Refresh: e.RefreshAnalytics},
		{Name: store.ResSentiment, Refresh: e.RefreshSentiment},
		{Name: store.ResHighlights, Refresh: e.RefreshHighlights},
	}
}

// refreshes

// RefreshStream merges the fetched counters with the guarded editable
// fields: a dirty title or category keeps the operator's value no matter
// what the fetch carried.
func (e *Engine) RefreshStream(ctx context.Context) error {
	info, err := e.client.Stream(ctx)
	if err != nil {
		e.store.SetError(store.ResStream, err)
		return err
	}
	info.Title = e.title.Merge(info.Title)
	info.Category = e.category.Merge(info.Category)
	e.store.SetStream(info)
	return nil
}

func (e *Engine) RefreshHealth(ctx context.Context) error {
	health, err := e.client.Health(ctx)
	if err != nil {
		e.store.SetError(store.ResHealth, err)
		return err
	}
	e.store.SetHealth(health)
	return nil
}

func (e *Engine) RefreshScenes(ctx context.Context) error {
	scenes, err := e.client.Scenes(ctx)
	if err != nil {
		e.store.SetError(store.ResScenes, err)
		return err
	}
	e.store.SetScenes(scenes)
	return nil
}

func (e *Engine) RefreshSources(ctx context.Context) error {
	sources, err := e.client.Sources(ctx)
	if err != nil {
		e.store.SetError(store.ResSources, err)
		return err
	}
	e.store.SetSources(sources)
	return nil
}

// RefreshChat reconciles the fetched window into the retained log and
// archives the first-seen messages.
func (e *Engine) RefreshChat(ctx context.Context) error {
	batch, err := e.client.Chat(ctx)
	if err != nil {
		e.store.SetError(store.ResChat, err)
		return err
	}
	admitted := e.chat.Apply(batch)
	e.store.SetChat(e.chat.Messages())
	if err := e.archiveMessages(admitted); err != nil {
		e.store.SetError(store.ResChat, err)
		return err
	}
	return nil
}

// archiveMessages drains the backlog plus the freshly admitted batch.
// Admission is one-shot, so anything the archive rejects is requeued
// for the next refresh instead of being lost.
func (e *Engine) archiveMessages(admitted []core.ChatMessage) error {
	if e.archive == nil {
		return nil
	}
	e.archMu.Lock()
	queue := append(e.msgBacklog, admitted...)
	e.msgBacklog = nil
	e.archMu.Unlock()

	for i, msg := range queue {
		if err := e.archive.WriteMessage(msg); err != nil {
			e.archMu.Lock()
			e.msgBacklog = queue[i:]
			if over := len(e.msgBacklog) - archiveBacklogMax; over > 0 {
				e.msgBacklog = e.msgBacklog[over:]
			}
			e.archMu.Unlock()
			return err
		}
	}
	return nil
}

func (e *Engine) archiveAlerts(admitted []core.Alert) error {
	if e.archive == nil {
		return nil
	}
	e.archMu.Lock()
	queue := append(e.alertBacklog, admitted...)
	e.alertBacklog = nil
	e.archMu.Unlock()

	for i, alert := range queue {
		if err := e.archive.WriteAlert(alert); err != nil {
			e.archMu.Lock()
			e.alertBacklog = queue[i:]
			if over := len(e.alertBacklog) - archiveBacklogMax; over > 0 {
				e.alertBacklog = e.alertBacklog[over:]
			}
			e.archMu.Unlock()
			return err
		}
	}
	return nil
}

func (e *Engine) RefreshAlerts(ctx context.Context) error {
	batch, err := e.client.Alerts(ctx)
	if err != nil {
		e.store.SetError(store.ResAlerts, err)
		return err
	}

	e.alertMu.Lock()
	window, admitted := mergeAlerts(e.alertWindow, batch, e.alertRetention)
	e.alertWindow = window
	e.alertMu.Unlock()

	e.store.SetAlerts(window)
	if err := e.archiveAlerts(admitted); err != nil {
		e.store.SetError(store.ResAlerts, err)
		return err
	}
	return nil
}

// mergeAlerts is the alert-feed twin of the chat reconciliation: dedup
// by id, newest first, bounded window.
func mergeAlerts(retained, incoming []core.Alert, max int) (window, admitted []core.Alert) {
	seen := make(map[string]struct{}, len(retained))
	for _, a := range retained {
		seen[a.ID] = struct{}{}
	}
	for _, a := range incoming {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		admitted = append(admitted, a)
	}
	if len(admitted) == 0 && len(retained) <= max {
		return retained, nil
	}
	sort.SliceStable(admitted, func(i, j int) bool {
		return admitted[i].Ts.After(admitted[j].Ts)
	})
	window = make([]core.Alert, 0, len(admitted)+len(retained))
	window = append(window, admitted...)
	window = append(window, retained...)
	if len(window) > max {
		window = window[:max]
	}
	return window, admitted
}

// RefreshSubmissions annotates each submission with the resolver's
// current answer for its source handle. A transient lookup failure marks
// the record pending rather than failing the whole refresh.
func (e *Engine) RefreshSubmissions(ctx context.Context) error {
	subs, err := e.client.Submissions(ctx)
	if err != nil {
		e.store.SetError(store.ResSubmissions, err)
		return err
	}
	e.annotate(ctx, subs)
	e.store.SetSubmissions(subs)
	return nil
}

func (e *Engine) RefreshSkipQueue(ctx context.Context) error {
	skips, err := e.client.SkipQueue(ctx)
	if err != nil {
		e.store.SetError(store.ResSkipQueue, err)
		return err
	}
	e.annotate(ctx, skips)
	e.store.SetSkipQueue(skips)
	return nil
}

func (e *Engine) annotate(ctx context.Context, subs []core.Submission) {
	for i := range subs {
		res, err := e.resolver.Resolve(ctx, subs[i].SourceHandle)
		if err != nil {
			subs[i].Resolution = string(identity.StatePending)
			continue
		}
		subs[i].Resolution = string(res.State)
		subs[i].TargetHandle = res.TargetHandle
		subs[i].Tier = res.Tier
	}
}

func (e *Engine) RefreshQueueStats(ctx context.Context) error {
	stats, err := e.client.QueueStats(ctx)
	if err != nil {
		e.store.SetError(store.ResQueueStats, err)
		return err
	}
	e.store.SetQueueStats(stats)
	return nil
}

func (e *Engine) RefreshMappings(ctx context.Context) error {
	mappings, err := e.client.Mappings(ctx)
	if err != nil {
		e.store.SetError(store.ResMappings, err)
		return err
	}
	e.resolver.ReplaceMappings(mappings)
	e.store.SetMappings(e.resolver.Mappings())
	return nil
}

func (e *Engine) RefreshSongs(ctx context.Context) error {
	songs, err := e.client.Songs(ctx)
	if err != nil {
		e.store.SetError(store.ResSongs, err)
		return err
	}
	e.store.SetSongs(songs)
	return nil
}

func (e *Engine) RefreshNowPlaying(ctx context.Context) error {
	song, err := e.client.NowPlaying(ctx)
	if err != nil {
		e.store.SetError(store.ResNowPlaying, err)
		return err
	}
	e.store.SetNowPlaying(song)
	return nil
}

func (e *Engine) RefreshSounds(ctx context.Context) error {
	sounds, err := e.client.Sounds(ctx)
	if err != nil {
		e.store.SetError(store.ResSounds, err)
		return err
	}
	e.store.SetSounds(sounds)
	return nil
}

func (e *Engine) RefreshAnalytics(ctx context.Context) error {
	summary, err := e.client.Analytics(ctx)
	if err != nil {
		e.store.SetError(store.ResAnalytics, err)
		return err
	}
	e.store.SetAnalytics(summary)
	return nil
}

func (e *Engine) RefreshSentiment(ctx context.Context) error {
	sentiment, err := e.client.Sentiment(ctx)
	if err != nil {
		e.store.SetError(store.ResSentiment, err)
		return err
	}
	e.store.SetSentiment(sentiment)
	return nil
}

func (e *Engine) RefreshHighlights(ctx context.Context) error {
	highlights, err := e.client.Highlights(ctx)
	if err != nil {
		e.store.SetError(store.ResHighlights, err)
		return err
	}
	e.store.SetHighlights(highlights)
	return nil
}

// control surface

// CommitTitle records the operator's edit and writes it back. On success
// the dirty flag clears and the store shows the confirmed value; on
// failure the edit stays dirty for a retry.
func (e *Engine) CommitTitle(ctx context.Context, title string) error {
	e.title.Set(title)
	err := e.title.Commit(ctx, e.client.UpdateTitle)
	e.syncEditableView()
	return err
}

func (e *Engine) CommitCategory(ctx context.Context, category string) error {
	e.category.Set(category)
	err := e.category.Commit(ctx, e.client.UpdateCategory)
	e.syncEditableView()
	return err
}

// EditTitle records operator input without committing, so a poll arriving
// mid-edit cannot clobber the draft.
func (e *Engine) EditTitle(title string) {
	e.title.Set(title)
	e.syncEditableView()
}

func (e *Engine) EditCategory(category string) {
	e.category.Set(category)
	e.syncEditableView()
}

func (e *Engine) syncEditableView() {
	snap := e.store.Snapshot()
	info := snap.Stream
	info.Title = e.title.Value()
	info.Category = e.category.Value()
	e.store.SetStream(info)
}

func (e *Engine) CreateMapping(ctx context.Context, sourceHandle, targetHandle string) error {
	if err := e.client.CreateMapping(ctx, sourceHandle, targetHandle); err != nil {
		return err
	}
	e.resolver.SetMapping(sourceHandle, targetHandle)
	e.store.SetMappings(e.resolver.Mappings())
	return nil
}

func (e *Engine) DeleteMapping(ctx context.Context, sourceHandle string) error {
	if err := e.client.DeleteMapping(ctx, sourceHandle); err != nil {
		return err
	}
	e.resolver.DeleteMapping(sourceHandle)
	e.store.SetMappings(e.resolver.Mappings())
	return nil
}

func (e *Engine) MarkSubmission(ctx context.Context, id, status string) error {
	return e.client.MarkSubmission(ctx, id, status)
}

func (e *Engine) MarkSkip(ctx context.Context, id string) error {
	return e.client.MarkSkip(ctx, id)
}

func (e *Engine) SwitchScene(ctx context.Context, name string) error {
	if err := e.client.SwitchScene(ctx, name); err != nil {
		return err
	}
	return e.RefreshScenes(ctx)
}

func (e *Engine) ToggleSource(ctx context.Context, name string, visible bool) error {
	if err := e.client.ToggleSource(ctx, name, visible); err != nil {
		return err
	}
	return e.RefreshSources(ctx)
}

func (e *Engine) UpdateSound(ctx context.Context, asset core.SoundAsset) error {
	if err := e.client.UpdateSound(ctx, asset); err != nil {
		return err
	}
	return e.RefreshSounds(ctx)
}

func (e *Engine) DeleteSound(ctx context.Context, fileName string) error {
	if err := e.client.DeleteSound(ctx, fileName); err != nil {
		return err
	}
	return e.RefreshSounds(ctx)
}

// ControlStream starts or stops the broadcast and refetches the
// telemetry so the view reflects the new encoder state immediately.
func (e *Engine) ControlStream(ctx context.Context, action string) error {
	if action != "start" && action != "stop" {
		return errors.New("stream action must be start or stop")
	}
	if err := e.client.ControlStream(ctx, action); err != nil {
		return err
	}
	return e.RefreshHealth(ctx)
}

func (e *Engine) ControlRecording(ctx context.Context, action string) error {
	if action != "start" && action != "stop" {
		return errors.New("recording action must be start or stop")
	}
	if err := e.client.ControlRecording(ctx, action); err != nil {
		return err
	}
	return e.RefreshHealth(ctx)
}

// SaveClip clips the recent replay buffer and returns the file name the
// backend assigned.
func (e *Engine) SaveClip(ctx context.Context) (string, error) {
	return e.client.SaveClip(ctx)
}

// CreateMarker drops a stream marker at the current broadcast position.
func (e *Engine) CreateMarker(ctx context.Context) error {
	return e.client.CreateMarker(ctx)
}

func (e *Engine) SubmitSong(ctx context.Context, song core.Song) error {
	if err := e.client.SubmitSong(ctx, song); err != nil {
		return err
	}
	return e.RefreshSongs(ctx)
}

// PlaySong promotes a queued song; the previous playing entry is retired
// by the backend, so both the queue and now-playing views refetch.
func (e *Engine) PlaySong(ctx context.Context, id string) error {
	if err := e.client.PlaySong(ctx, id); err != nil {
		return err
	}
	if err := e.RefreshSongs(ctx); err != nil {
		return err
	}
	return e.RefreshNowPlaying(ctx)
}

func (e *Engine) SkipSong(ctx context.Context, id string) error {
	if err := e.client.SkipSong(ctx, id); err != nil {
		return err
	}
	return e.RefreshSongs(ctx)
}

func (e *Engine) VoteSong(ctx context.Context, id string, vote int) error {
	if err := e.client.VoteSong(ctx, id, vote); err != nil {
		return err
	}
	return e.RefreshSongs(ctx)
}

// ReloadToken re-reads the upstream bearer token file, if configured.
func (e *Engine) ReloadToken() (bool, error) {
	return e.client.ReloadToken()
}

// ClearIdentityCaches drops the resolver's derived caches and reports
// how many tier and auto-match entries were evicted.
func (e *Engine) ClearIdentityCaches() (tiers, autos int) {
	tiers, autos = e.resolver.CacheSizes()
	e.resolver.ClearCaches()
	return tiers, autos
}

// ReorderSounds applies a category-scoped drag reorder optimistically
// and persists it. The optimistic order stays even if persistence fails.
func (e *Engine) ReorderSounds(ctx context.Context, category string, from, to int) error {
	r := soundlib.NewReorderer(e.store.SetSounds, e.client.PersistOrder)
	_, err := r.Reorder(ctx, e.store.Sounds(), category, from, to)
	return err
}
