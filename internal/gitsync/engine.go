// Package gitsync keeps the password store working copy in step with a
// remote git repository.
//
// A cycle fetches, fast-forwards, commits local changes and pushes. When
// local and remote histories have diverged nothing is merged or pushed: the
// engine enters the conflict state and stays there until Resolve is called,
// so neither side's commits are ever discarded.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/atinyakov/GophPass/internal/models"
)

// Resolution strategies accepted by Resolve.
const (
	StrategyMerge  = "merge"
	StrategyManual = "manual"
)

const commitMessage = "Update password store"

// Config controls the engine.
type Config struct {
	RepoURL string
	// Branch is the branch to track. Empty means the remote default.
	Branch string
	// Interval is the period between scheduled cycles.
	Interval time.Duration
	// MaxBackoff caps the retry delay after failures.
	MaxBackoff time.Duration
	// CommandTimeout bounds each git invocation.
	CommandTimeout time.Duration
}

// Engine runs sync cycles. At most one cycle or resolution runs at a time.
type Engine struct {
	git   Git
	dir   string
	cfg   Config
	log   *zap.Logger
	clock func() time.Time

	group   singleflight.Group
	work    sync.Mutex
	trigger chan struct{}

	mu      sync.Mutex
	state   models.SyncState
	backoff *backoff.ExponentialBackOff
}

// New returns an Engine for the working copy at dir.
func New(git Git, dir string, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = cfg.MaxBackoff
	b.Reset()

	return &Engine{
		git:     git,
		dir:     dir,
		cfg:     cfg,
		log:     log,
		clock:   time.Now,
		trigger: make(chan struct{}, 1),
		state:   models.SyncState{Status: models.SyncIdle},
		backoff: b,
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Trigger requests a cycle without waiting for it. Requests made while a
// cycle runs or one is already pending are coalesced into it, and requests
// in the conflict state are ignored.
func (e *Engine) Trigger() {
	switch e.Status().Status {
	case models.SyncSyncing, models.SyncConflict:
		return
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run performs a cycle immediately and then on every interval or trigger
// until ctx is cancelled. After a failure the next attempt is delayed by
// the backoff instead of the interval.
func (e *Engine) Run(ctx context.Context) {
	_, _ = e.Sync(ctx)

	timer := time.NewTimer(e.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		case <-timer.C:
		}
		_, _ = e.Sync(ctx)
		timer.Reset(e.nextDelay())
	}
}

func (e *Engine) nextDelay() time.Duration {
	st := e.Status()
	if st.Status == models.SyncError && st.NextAttemptAt != nil {
		if d := st.NextAttemptAt.Sub(e.clock()); d > 0 {
			return d
		}
		return 0
	}
	return e.cfg.Interval
}

// Sync runs one cycle. Concurrent callers share the same cycle and result.
// In the conflict state no work is done and ErrMergeConflict is returned.
func (e *Engine) Sync(ctx context.Context) (models.SyncState, error) {
	v, err, _ := e.group.Do("sync", func() (any, error) {
		return e.cycle(ctx)
	})
	return v.(models.SyncState), err
}

func (e *Engine) cycle(ctx context.Context) (models.SyncState, error) {
	e.work.Lock()
	defer e.work.Unlock()

	e.mu.Lock()
	if e.state.Status == models.SyncConflict {
		st := e.state
		e.mu.Unlock()
		return st, conflict(st.Reason)
	}
	e.state.Status = models.SyncSyncing
	e.mu.Unlock()

	started := e.clock()
	commit, err := e.runCycle(ctx)
	st := e.finish(commit, err)
	if err != nil {
		e.log.Warn("sync failed", zap.Error(err), zap.String("status", string(st.Status)))
	} else {
		e.log.Info("sync finished", zap.String("commit", commit), zap.Duration("elapsed", e.clock().Sub(started)))
	}
	return st, err
}

// Exclusive runs fn while no cycle or resolution touches the working copy.
// Writers of the store use it so the commits pass makes on its own never
// race the engine for the git index.
func (e *Engine) Exclusive(fn func() error) error {
	e.work.Lock()
	defer e.work.Unlock()
	return fn()
}

// Resolve leaves the conflict state. StrategyMerge creates a merge commit
// of the local and remote histories and pushes it; if the merge itself
// conflicts it is aborted and the engine stays in conflict. StrategyManual
// assumes the working copy was repaired by hand and runs a normal cycle if
// the histories no longer diverge.
func (e *Engine) Resolve(ctx context.Context, strategy string) (models.SyncState, error) {
	if strategy != StrategyMerge && strategy != StrategyManual {
		return e.Status(), fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	e.work.Lock()
	defer e.work.Unlock()

	if e.Status().Status != models.SyncConflict {
		return e.Status(), nil
	}

	var (
		commit string
		err    error
	)
	switch strategy {
	case StrategyMerge:
		commit, err = e.resolveMerge(ctx)
	case StrategyManual:
		commit, err = e.resolveManual(ctx)
	}
	if err != nil && !errors.Is(err, ErrMergeConflict) {
		// The conflict is only left on success.
		e.log.Warn("sync conflict resolution failed", zap.String("strategy", strategy), zap.Error(err))
		return e.Status(), err
	}
	st := e.finish(commit, err)
	e.log.Info("sync conflict resolution",
		zap.String("strategy", strategy),
		zap.String("status", string(st.Status)),
		zap.Error(err),
	)
	return st, err
}

func (e *Engine) finish(commit string, err error) models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	switch {
	case err == nil:
		e.backoff.Reset()
		e.state = models.SyncState{
			Status:       models.SyncIdle,
			LastSyncAt:   &now,
			LastCommitID: commit,
		}
	case errors.Is(err, ErrMergeConflict):
		e.backoff.Reset()
		e.state.Status = models.SyncConflict
		e.state.Reason = reason(err)
		e.state.ConsecutiveFailures = 0
		e.state.NextAttemptAt = nil
	default:
		delay := e.backoff.NextBackOff()
		if delay < 0 || delay > e.cfg.MaxBackoff {
			delay = e.cfg.MaxBackoff
		}
		next := now.Add(delay)
		e.state.Status = models.SyncError
		e.state.Reason = reason(err)
		e.state.ConsecutiveFailures++
		e.state.NextAttemptAt = &next
	}
	return e.state
}

func (e *Engine) runCycle(ctx context.Context) (string, error) {
	if err := e.ensureClone(ctx); err != nil {
		return "", err
	}
	if _, err := e.run(ctx, "fetch", "--prune", "origin"); err != nil {
		return "", classifyRemote("fetch", err)
	}
	branch, err := e.branch(ctx)
	if err != nil {
		return "", err
	}

	ahead, behind, err := e.divergence(ctx, branch)
	if err != nil {
		return "", err
	}
	if ahead > 0 && behind > 0 {
		return "", conflict(fmt.Sprintf("local and remote histories diverged (%d local, %d remote commits)", ahead, behind))
	}
	if behind > 0 {
		if _, err := e.run(ctx, "merge", "--ff-only", "origin/"+branch); err != nil {
			e.log.Debug("fast-forward failed", zap.Error(err))
			return "", conflict("fast-forward blocked by local changes")
		}
	}

	committed, err := e.commitLocal(ctx)
	if err != nil {
		return "", err
	}
	if committed {
		ahead++
	}
	if ahead > 0 {
		if err := e.push(ctx, branch); err != nil {
			return "", err
		}
	}
	return e.head(ctx)
}

func (e *Engine) resolveMerge(ctx context.Context) (string, error) {
	if _, err := e.run(ctx, "fetch", "--prune", "origin"); err != nil {
		return "", classifyRemote("fetch", err)
	}
	branch, err := e.branch(ctx)
	if err != nil {
		return "", err
	}
	if _, err := e.commitLocal(ctx); err != nil {
		return "", err
	}
	if _, err := e.run(ctx, "merge", "--no-edit", "--no-gpg-sign", "origin/"+branch); err != nil {
		e.log.Debug("merge failed", zap.Error(err))
		if _, abortErr := e.run(ctx, "merge", "--abort"); abortErr != nil {
			e.log.Warn("merge abort failed", zap.Error(abortErr))
		}
		return "", conflict("merge produced conflicting changes")
	}
	if err := e.push(ctx, branch); err != nil {
		return "", err
	}
	return e.head(ctx)
}

func (e *Engine) resolveManual(ctx context.Context) (string, error) {
	if _, err := e.run(ctx, "fetch", "--prune", "origin"); err != nil {
		return "", classifyRemote("fetch", err)
	}
	branch, err := e.branch(ctx)
	if err != nil {
		return "", err
	}
	ahead, behind, err := e.divergence(ctx, branch)
	if err != nil {
		return "", err
	}
	if ahead > 0 && behind > 0 {
		return "", conflict("local and remote histories still diverge")
	}
	return e.runCycle(ctx)
}

func (e *Engine) ensureClone(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(e.dir, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return fmt.Errorf("create working copy: %w", err)
	}
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s is not empty and is not a git working copy", e.dir)
	}

	e.log.Info("cloning password store", zap.String("dir", e.dir))
	if _, err := e.run(ctx, "clone", "--origin", "origin", e.cfg.RepoURL, "."); err != nil {
		return classifyRemote("clone", err)
	}
	return e.checkoutBranch(ctx)
}

// checkoutBranch switches a fresh clone to the configured branch.
func (e *Engine) checkoutBranch(ctx context.Context) error {
	if e.cfg.Branch == "" {
		return nil
	}
	current, err := e.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err == nil && strings.TrimSpace(current) == e.cfg.Branch {
		return nil
	}
	if e.hasRef(ctx, "refs/remotes/origin/"+e.cfg.Branch) {
		_, err = e.run(ctx, "checkout", "-B", e.cfg.Branch, "origin/"+e.cfg.Branch)
	} else if e.hasRef(ctx, "HEAD") {
		_, err = e.run(ctx, "checkout", "-b", e.cfg.Branch)
	} else {
		_, err = e.run(ctx, "symbolic-ref", "HEAD", "refs/heads/"+e.cfg.Branch)
	}
	return err
}

func (e *Engine) branch(ctx context.Context) (string, error) {
	if e.cfg.Branch != "" {
		return e.cfg.Branch, nil
	}
	out, err := e.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// divergence counts the commits only on HEAD (ahead) and only on the remote
// branch (behind).
func (e *Engine) divergence(ctx context.Context, branch string) (ahead, behind int, err error) {
	remote := "refs/remotes/origin/" + branch
	hasHead := e.hasRef(ctx, "HEAD")
	hasRemote := e.hasRef(ctx, remote)

	switch {
	case !hasHead && !hasRemote:
		return 0, 0, nil
	case !hasRemote:
		ahead, err = e.count(ctx, "rev-list", "--count", "HEAD")
		return ahead, 0, err
	case !hasHead:
		behind, err = e.count(ctx, "rev-list", "--count", remote)
		return 0, behind, err
	}

	out, err := e.run(ctx, "rev-list", "--left-right", "--count", "HEAD..."+remote)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	if ahead, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, err
	}
	if behind, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

func (e *Engine) commitLocal(ctx context.Context) (bool, error) {
	out, err := e.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}
	if _, err := e.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := e.run(ctx, "commit", "--no-gpg-sign", "-m", commitMessage); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) push(ctx context.Context, branch string) error {
	_, err := e.run(ctx, "push", "origin", "HEAD:refs/heads/"+branch)
	if err == nil {
		return nil
	}
	if containsAny(err.Error(), rejectMarkers) {
		e.log.Debug("push rejected", zap.Error(err))
		return conflict("push rejected by remote")
	}
	return classifyRemote("push", err)
}

func (e *Engine) head(ctx context.Context) (string, error) {
	if !e.hasRef(ctx, "HEAD") {
		return "", nil
	}
	out, err := e.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (e *Engine) hasRef(ctx context.Context, ref string) bool {
	_, err := e.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

func (e *Engine) count(ctx context.Context, args ...string) (int, error) {
	out, err := e.run(ctx, args...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	if e.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CommandTimeout)
		defer cancel()
	}
	return e.git.Run(ctx, args...)
}
