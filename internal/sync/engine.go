package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pdybowski/stargazer/internal/apperr"
	"github.com/pdybowski/stargazer/internal/db/sqlite"
	"github.com/pdybowski/stargazer/internal/github"
	"github.com/pdybowski/stargazer/internal/vectorize"
	"github.com/pdybowski/stargazer/pkg/models"
)

// RemoteClient is the upstream surface the engine needs.
type RemoteClient interface {
	FetchStarred(ctx context.Context, since int64) ([]*models.RemoteRepo, error)
	FetchReadme(ctx context.Context, owner, name string) (string, error)
}

// GraphMaintainer receives graph maintenance work after sync writes.
type GraphMaintainer interface {
	RebuildStructural(ctx context.Context) (int, error)
	RebuildSemantic(ctx context.Context) (int, error)
	RefreshSemanticFor(ctx context.Context, nameWithOwner string) error
	RemoveFor(ctx context.Context, nameWithOwner string) error
}

// Options selects what a run does beyond the baseline reconcile.
type Options struct {
	Kind models.SyncKind
	// Reanalyze flags every live repository for AI re-analysis on top of a
	// full run.
	Reanalyze bool
}

// Status is a snapshot of the engine for the HTTP surface.
type Status struct {
	Running         bool                `json:"running"`
	LastRun         *models.SyncHistory `json:"last_run,omitempty"`
	LiveCount       int                 `json:"live_count"`
	DeletedCount    int                 `json:"deleted_count"`
	PendingUpdate   int                 `json:"pending_update"`
	QueueDepth      int                 `json:"queue_depth"`
	DroppedHooks    int64               `json:"dropped_hooks"`
	LastSyncedEpoch int64               `json:"last_synced_epoch"`
}

const postHookQueueSize = 256

// postHook is deferred per-repository work (re-embedding, semantic edge
// refresh) executed off the sync path.
type postHook struct {
	nameWithOwner string
}

// Engine runs sync cycles. At most one cycle runs at a time; a second
// request while one is in flight is rejected rather than queued.
type Engine struct {
	remote      RemoteClient
	repos       *sqlite.RepoStore
	history     *sqlite.HistoryStore
	indexer     *vectorize.Indexer
	graph       GraphMaintainer
	readmeCache *github.ReadmeCache

	readmeMaxChars int
	logger         zerolog.Logger

	runMu   sync.Mutex
	running atomic.Bool
	stop    atomic.Bool

	hookCh       chan postHook
	hookWG       sync.WaitGroup
	hookMu       sync.Mutex
	droppedHooks atomic.Int64

	// onComplete fires after a run finishes, successful or not. The search
	// layer hooks this to invalidate its cache.
	onComplete []func()
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Remote         RemoteClient
	Repos          *sqlite.RepoStore
	History        *sqlite.HistoryStore
	Indexer        *vectorize.Indexer
	Graph          GraphMaintainer
	ReadmeCache    *github.ReadmeCache
	ReadmeMaxChars int
}

// NewEngine builds a sync engine and starts its post-hook worker.
func NewEngine(cfg EngineConfig, logger zerolog.Logger) *Engine {
	e := &Engine{
		remote:         cfg.Remote,
		repos:          cfg.Repos,
		history:        cfg.History,
		indexer:        cfg.Indexer,
		graph:          cfg.Graph,
		readmeCache:    cfg.ReadmeCache,
		readmeMaxChars: cfg.ReadmeMaxChars,
		logger:         logger.With().Str("component", "sync").Logger(),
		hookCh:         make(chan postHook, postHookQueueSize),
	}

	e.hookWG.Add(1)
	go e.hookWorker()
	return e
}

// OnComplete registers a callback fired after every run.
func (e *Engine) OnComplete(fn func()) {
	e.onComplete = append(e.onComplete, fn)
}

// Running reports whether a cycle is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Shutdown stops accepting hooks and drains the worker.
func (e *Engine) Shutdown() {
	e.hookMu.Lock()
	e.stop.Store(true)
	close(e.hookCh)
	e.hookMu.Unlock()
	e.hookWG.Wait()
}

// Status assembles the current engine snapshot.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	last, err := e.history.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last run: %w", err)
	}
	live, err := e.repos.CountLive(ctx)
	if err != nil {
		return nil, err
	}
	deleted, err := e.repos.ListDeleted(ctx)
	if err != nil {
		return nil, err
	}
	// Repositories last synced before the most recent completed run missed
	// that run and are waiting on the next one.
	pending := 0
	lastDone, err := e.history.LastCompleted(ctx)
	if err != nil {
		return nil, err
	}
	if lastDone != nil {
		pending, err = e.repos.CountPendingUpdate(ctx, lastDone.StartedAtEpoch)
		if err != nil {
			return nil, err
		}
	}
	watermark, err := e.repos.MinLastSynced(ctx)
	if err != nil {
		return nil, err
	}

	return &Status{
		Running:         e.running.Load(),
		LastRun:         last,
		LiveCount:       live,
		DeletedCount:    len(deleted),
		PendingUpdate:   pending,
		QueueDepth:      len(e.hookCh),
		DroppedHooks:    e.droppedHooks.Load(),
		LastSyncedEpoch: watermark,
	}, nil
}

// Run executes one sync cycle. A concurrent call returns a conflict error
// immediately.
func (e *Engine) Run(ctx context.Context, opts Options) (counters models.SyncCounters, err error) {
	if !e.runMu.TryLock() {
		return counters, apperr.New(apperr.KindConflict, "a sync is already running").
			WithSuggestions("wait for the current sync to finish, then retry")
	}
	defer e.runMu.Unlock()

	e.running.Store(true)
	defer e.running.Store(false)

	if opts.Kind == "" {
		opts.Kind = models.SyncKindIncremental
	}

	historyID, err := e.history.Open(ctx, opts.Kind)
	if err != nil {
		return counters, fmt.Errorf("open history row: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync panicked: %v", r)
		}
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		if closeErr := e.history.Close(context.WithoutCancel(ctx), historyID, counters, errMsg); closeErr != nil {
			e.logger.Error().Err(closeErr).Msg("failed to close history row")
		}
		for _, fn := range e.onComplete {
			fn()
		}
	}()

	e.logger.Info().Str("kind", string(opts.Kind)).Bool("reanalyze", opts.Reanalyze).
		Msg("sync started")
	started := time.Now()

	counters, err = e.reconcile(ctx, opts)
	if err != nil {
		e.logger.Error().Err(err).Msg("sync failed")
		return counters, err
	}

	if opts.Kind == models.SyncKindFull {
		if _, rebuildErr := e.graph.RebuildStructural(ctx); rebuildErr != nil {
			e.logger.Error().Err(rebuildErr).Msg("graph rebuild after full sync failed")
		}
		if opts.Reanalyze {
			if markErr := e.repos.MarkAllPendingReanalyze(ctx); markErr != nil {
				e.logger.Error().Err(markErr).Msg("failed to flag repositories for reanalysis")
			}
		}
	}

	e.logger.Info().
		Int("added", counters.Added).Int("updated", counters.Updated).
		Int("deleted", counters.Deleted).Int("failed", counters.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("sync finished")
	return counters, nil
}

func (e *Engine) reconcile(ctx context.Context, opts Options) (models.SyncCounters, error) {
	var counters models.SyncCounters

	since := int64(0)
	if opts.Kind == models.SyncKindIncremental {
		watermark, err := e.repos.MinLastSynced(ctx)
		if err != nil {
			return counters, fmt.Errorf("load sync watermark: %w", err)
		}
		since = watermark
	}

	remotes, err := e.remote.FetchStarred(ctx, since)
	if err != nil {
		return counters, fmt.Errorf("fetch starred: %w", err)
	}

	local, err := e.repos.ListAllLive(ctx)
	if err != nil {
		return counters, fmt.Errorf("load local repositories: %w", err)
	}
	localByName := make(map[string]*models.Repository, len(local))
	for _, r := range local {
		localByName[r.NameWithOwner] = r
	}

	syncedAt := time.Now().UnixMilli()
	remoteNames := make(map[string]bool, len(remotes))

	for _, remote := range remotes {
		if e.stop.Load() {
			return counters, apperr.New(apperr.KindCancelled, "sync interrupted by shutdown")
		}
		if err := ctx.Err(); err != nil {
			return counters, apperr.Wrap(apperr.KindCancelled, "sync cancelled", err)
		}

		remoteNames[remote.NameWithOwner] = true
		existing := localByName[remote.NameWithOwner]

		if existing == nil {
			if err := e.applyAdded(ctx, remote, syncedAt); err != nil {
				e.logger.Warn().Err(err).Str("repo", remote.NameWithOwner).Msg("add failed")
				counters.Failed++
				continue
			}
			counters.Added++
			continue
		}

		updated, err := e.applyChange(ctx, remote, existing, syncedAt)
		if err != nil {
			e.logger.Warn().Err(err).Str("repo", remote.NameWithOwner).Msg("update failed")
			counters.Failed++
			continue
		}
		if updated {
			counters.Updated++
		}
	}

	// Removal needs the complete starred set: a full run always has it, and
	// so does an incremental run with a zero watermark (nothing to page back
	// to, the fetch walked everything). A later incremental only pages back
	// to the watermark and cannot tell unstarred from unseen.
	if opts.Kind == models.SyncKindFull || since == 0 {
		for name := range localByName {
			if remoteNames[name] {
				continue
			}
			if err := e.applyRemoved(ctx, name); err != nil {
				e.logger.Warn().Err(err).Str("repo", name).Msg("soft delete failed")
				counters.Failed++
				continue
			}
			counters.Deleted++
		}
	} else {
		e.logger.Debug().Msg("incremental run, removals deferred to the next full sync")
	}

	return counters, nil
}

func (e *Engine) applyAdded(ctx context.Context, remote *models.RemoteRepo, syncedAt int64) error {
	if err := e.repos.UpsertFromRemote(ctx, remote, syncedAt); err != nil {
		return err
	}
	if err := e.refreshReadme(ctx, remote); err != nil {
		e.logger.Warn().Err(err).Str("repo", remote.NameWithOwner).Msg("readme fetch failed")
	}
	e.enqueueHook(remote.NameWithOwner)
	return nil
}

func (e *Engine) applyChange(ctx context.Context, remote *models.RemoteRepo, local *models.Repository, syncedAt int64) (bool, error) {
	class := Classify(remote, local)
	e.logger.Debug().Str("repo", remote.NameWithOwner).Stringer("class", class).Msg("classified")

	switch class {
	case ChangeNone:
		return false, e.repos.UpdateLastSynced(ctx, []string{remote.NameWithOwner}, syncedAt)

	case ChangeCounters:
		return true, e.repos.UpdateFields(ctx, remote.NameWithOwner, CounterFields(remote), syncedAt)

	case ChangeText:
		if err := e.repos.UpdateFields(ctx, remote.NameWithOwner, TextFields(remote), syncedAt); err != nil {
			return false, err
		}
		// A language switch changes what the derived analysis would say.
		if remote.PrimaryLanguage != local.PrimaryLanguage.String {
			if err := e.repos.MarkPendingReanalyze(ctx, remote.NameWithOwner); err != nil {
				return false, err
			}
		}
		e.enqueueHook(remote.NameWithOwner)
		return true, nil

	default: // ChangeHeavy
		if err := e.repos.UpsertFromRemote(ctx, remote, syncedAt); err != nil {
			return false, err
		}
		if err := e.repos.MarkPendingReanalyze(ctx, remote.NameWithOwner); err != nil {
			return false, err
		}
		if err := e.refreshReadme(ctx, remote); err != nil {
			e.logger.Warn().Err(err).Str("repo", remote.NameWithOwner).Msg("readme fetch failed")
		}
		e.enqueueHook(remote.NameWithOwner)
		return true, nil
	}
}

func (e *Engine) applyRemoved(ctx context.Context, nameWithOwner string) error {
	if err := e.repos.SoftDelete(ctx, nameWithOwner); err != nil {
		return err
	}
	if err := e.indexer.Remove(ctx, nameWithOwner); err != nil {
		e.logger.Warn().Err(err).Str("repo", nameWithOwner).Msg("vector removal failed")
	}
	if err := e.graph.RemoveFor(ctx, nameWithOwner); err != nil {
		e.logger.Warn().Err(err).Str("repo", nameWithOwner).Msg("edge removal failed")
	}
	return nil
}

// refreshReadme fetches (or re-reads from cache) the README, summarizes it,
// and stores the summary. A repository without a README stores the empty
// summary so the heavy path is not retaken every run.
func (e *Engine) refreshReadme(ctx context.Context, remote *models.RemoteRepo) error {
	body, ok := e.readmeCache.Get(remote.NameWithOwner, remote.PushedAtEpoch)
	if !ok {
		fetched, err := e.remote.FetchReadme(ctx, remote.Owner, remote.Name)
		if err != nil {
			return err
		}
		body = fetched
		e.readmeCache.Put(remote.NameWithOwner, remote.PushedAtEpoch, body)
	}

	summary := vectorize.SummarizeReadme(body, e.readmeMaxChars)
	return e.repos.SetReadmeSummary(ctx, remote.NameWithOwner, summary)
}

// enqueueHook schedules deferred vector and edge work. When the queue is
// full the oldest entry is dropped; a periodic full rebuild repairs
// whatever falls through.
func (e *Engine) enqueueHook(nameWithOwner string) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	if e.stop.Load() {
		return
	}

	hook := postHook{nameWithOwner: nameWithOwner}
	for {
		select {
		case e.hookCh <- hook:
			return
		default:
		}
		select {
		case dropped := <-e.hookCh:
			e.droppedHooks.Add(1)
			e.logger.Warn().Str("repo", dropped.nameWithOwner).
				Msg("post-sync queue full, dropping oldest entry")
		default:
		}
	}
}

func (e *Engine) hookWorker() {
	defer e.hookWG.Done()
	ctx := context.Background()

	for hook := range e.hookCh {
		repo, err := e.repos.GetByName(ctx, hook.nameWithOwner)
		if err != nil || repo == nil || repo.IsDeleted {
			continue
		}

		indexed, err := e.indexer.IndexRepository(ctx, repo)
		if err != nil {
			e.logger.Warn().Err(err).Str("repo", repo.NameWithOwner).Msg("deferred indexing failed")
			continue
		}
		if !indexed {
			continue
		}
		if err := e.graph.RefreshSemanticFor(ctx, repo.NameWithOwner); err != nil {
			e.logger.Warn().Err(err).Str("repo", repo.NameWithOwner).Msg("semantic refresh failed")
		}
	}
}
