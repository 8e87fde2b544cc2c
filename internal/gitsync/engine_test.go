package gitsync

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
)

var testAuthor = Author{Name: "Test", Email: "test@test.local"}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	command := exec.Command("git", append([]string{"-C", dir}, args...)...)
	command.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.local",
	)
	output, err := command.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// newRemote creates a bare repository whose main branch holds one commit.
func newRemote(t *testing.T) string {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	seed := filepath.Join(root, "seed")
	gitCmd(t, root, "init", "--bare", "--initial-branch=main", bare)
	gitCmd(t, root, "clone", bare, seed)
	writeFile(t, seed, ".gpg-id", "test@test.local\n")
	gitCmd(t, seed, "add", "-A")
	gitCmd(t, seed, "commit", "--no-gpg-sign", "-m", "initial")
	gitCmd(t, seed, "push", "origin", "HEAD:refs/heads/main")
	return bare
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func newEngine(t *testing.T, remote string) (*Engine, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	git := NewCLIGit(dir, Credentials{}, testAuthor)
	e := New(git, dir, Config{RepoURL: remote, CommandTimeout: 30 * time.Second}, zap.NewNop())
	return e, dir
}

func mustSync(t *testing.T, e *Engine) models.SyncState {
	t.Helper()
	st, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if st.Status != models.SyncIdle {
		t.Fatalf("status = %q; want idle", st.Status)
	}
	return st
}

func TestEngine_CloneCommitPush(t *testing.T) {
	remote := newRemote(t)
	e, dir := newEngine(t, remote)

	st := mustSync(t, e)
	if _, err := os.Stat(filepath.Join(dir, ".gpg-id")); err != nil {
		t.Fatalf("working copy not cloned: %v", err)
	}
	if want := gitCmd(t, remote, "rev-parse", "main"); st.LastCommitID != want {
		t.Errorf("LastCommitID = %q; want %q", st.LastCommitID, want)
	}
	if st.LastSyncAt == nil {
		t.Error("LastSyncAt not set")
	}

	writeFile(t, dir, "site.gpg", "ciphertext")
	st = mustSync(t, e)
	if want := gitCmd(t, remote, "rev-parse", "main"); st.LastCommitID != want {
		t.Errorf("remote head = %q; want pushed commit %q", want, st.LastCommitID)
	}
	if msg := gitCmd(t, remote, "log", "-1", "--format=%s", "main"); msg != commitMessage {
		t.Errorf("commit message = %q; want %q", msg, commitMessage)
	}
}

func TestEngine_PullsRemoteChanges(t *testing.T) {
	remote := newRemote(t)
	a, dirA := newEngine(t, remote)
	b, dirB := newEngine(t, remote)
	mustSync(t, a)
	mustSync(t, b)

	writeFile(t, dirA, "new.gpg", "from a")
	stA := mustSync(t, a)

	stB := mustSync(t, b)
	if stB.LastCommitID != stA.LastCommitID {
		t.Errorf("b head = %q; want %q", stB.LastCommitID, stA.LastCommitID)
	}
	if _, err := os.Stat(filepath.Join(dirB, "new.gpg")); err != nil {
		t.Errorf("remote change not pulled: %v", err)
	}
}

func TestEngine_DivergedHistoriesEnterConflict(t *testing.T) {
	remote := newRemote(t)
	a, dirA := newEngine(t, remote)
	b, dirB := newEngine(t, remote)
	mustSync(t, a)
	mustSync(t, b)

	writeFile(t, dirA, "a.gpg", "from a")
	stA := mustSync(t, a)

	writeFile(t, dirB, "b.gpg", "from b")
	gitCmd(t, dirB, "add", "-A")
	gitCmd(t, dirB, "commit", "--no-gpg-sign", "-m", "local edit")
	localHead := gitCmd(t, dirB, "rev-parse", "HEAD")

	st, err := b.Sync(context.Background())
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("Sync error = %v; want ErrMergeConflict", err)
	}
	if st.Status != models.SyncConflict || st.Reason == "" {
		t.Fatalf("state = %+v; want conflict with reason", st)
	}
	if head := gitCmd(t, dirB, "rev-parse", "HEAD"); head != localHead {
		t.Errorf("local commit rewritten: head %q, want %q", head, localHead)
	}
	if head := gitCmd(t, remote, "rev-parse", "main"); head != stA.LastCommitID {
		t.Errorf("remote head %q changed; want %q", head, stA.LastCommitID)
	}

	b.Trigger()
	if n := len(b.trigger); n != 0 {
		t.Errorf("trigger queued in conflict state")
	}
	if _, err := b.Sync(context.Background()); !errors.Is(err, ErrMergeConflict) {
		t.Errorf("Sync in conflict = %v; want ErrMergeConflict", err)
	}

	if _, err := b.Resolve(context.Background(), "rebase"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("Resolve(rebase) = %v; want ErrUnknownStrategy", err)
	}
	if _, err := b.Resolve(context.Background(), StrategyManual); !errors.Is(err, ErrMergeConflict) {
		t.Errorf("Resolve(manual) = %v; want ErrMergeConflict while still diverged", err)
	}

	st, err = b.Resolve(context.Background(), StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve(merge): %v", err)
	}
	if st.Status != models.SyncIdle {
		t.Fatalf("status after merge = %q; want idle", st.Status)
	}
	files := gitCmd(t, remote, "ls-tree", "--name-only", "-r", "main")
	for _, name := range []string{"a.gpg", "b.gpg"} {
		if !strings.Contains(files, name) {
			t.Errorf("remote tree missing %s:\n%s", name, files)
		}
	}
}

func TestEngine_ConflictingMergeIsAborted(t *testing.T) {
	remote := newRemote(t)
	a, dirA := newEngine(t, remote)
	b, dirB := newEngine(t, remote)

	mustSync(t, a)
	writeFile(t, dirA, "shared.gpg", "base")
	mustSync(t, a)
	mustSync(t, b)

	writeFile(t, dirA, "shared.gpg", "edit from a")
	mustSync(t, a)

	writeFile(t, dirB, "shared.gpg", "edit from b")
	gitCmd(t, dirB, "commit", "--no-gpg-sign", "-am", "local edit")

	if _, err := b.Sync(context.Background()); !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("Sync = %v; want ErrMergeConflict", err)
	}

	st, err := b.Resolve(context.Background(), StrategyMerge)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("Resolve(merge) = %v; want ErrMergeConflict", err)
	}
	if st.Status != models.SyncConflict {
		t.Errorf("status = %q; want conflict", st.Status)
	}
	if out := gitCmd(t, dirB, "status", "--porcelain"); out != "" {
		t.Errorf("working copy left dirty after abort:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dirB, ".git", "MERGE_HEAD")); err == nil {
		t.Error("merge left in progress")
	}
}

func TestEngine_FastForwardBlockedByLocalChanges(t *testing.T) {
	remote := newRemote(t)
	a, dirA := newEngine(t, remote)
	b, dirB := newEngine(t, remote)

	mustSync(t, a)
	writeFile(t, dirA, "shared.gpg", "base")
	mustSync(t, a)
	mustSync(t, b)

	writeFile(t, dirA, "shared.gpg", "edit from a")
	mustSync(t, a)
	writeFile(t, dirB, "shared.gpg", "uncommitted edit from b")

	st, err := b.Sync(context.Background())
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("Sync = %v; want ErrMergeConflict", err)
	}
	if st.Status != models.SyncConflict {
		t.Errorf("status = %q; want conflict", st.Status)
	}
	data, err := os.ReadFile(filepath.Join(dirB, "shared.gpg"))
	if err != nil || string(data) != "uncommitted edit from b" {
		t.Errorf("local payload lost: %q, %v", data, err)
	}
}

func TestEngine_UnreachableRemote(t *testing.T) {
	requireGit(t)
	e, _ := newEngine(t, filepath.Join(t.TempDir(), "missing.git"))

	st, err := e.Sync(context.Background())
	if !errors.Is(err, ErrNetworkFailure) {
		t.Fatalf("Sync = %v; want ErrNetworkFailure", err)
	}
	if st.Status != models.SyncError || st.ConsecutiveFailures != 1 || st.NextAttemptAt == nil {
		t.Errorf("state = %+v; want error with one failure and a retry time", st)
	}
	if st.Reason != ErrNetworkFailure.Error() {
		t.Errorf("reason = %q; want %q", st.Reason, ErrNetworkFailure.Error())
	}
}

// fakeGit answers the commands of a cycle against an up-to-date working
// copy with no commits.
type fakeGit struct {
	fetchErr error
	fetches  atomic.Int32
	started  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (f *fakeGit) Run(_ context.Context, args ...string) (string, error) {
	switch args[0] {
	case "fetch":
		f.fetches.Add(1)
		if f.started != nil {
			f.once.Do(func() { close(f.started) })
			<-f.release
		}
		return "", f.fetchErr
	case "symbolic-ref":
		return "main\n", nil
	case "rev-parse":
		return "", errors.New("exit status 1")
	}
	return "", nil
}

func newFakeEngine(t *testing.T, git Git, cfg Config) *Engine {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o700); err != nil {
		t.Fatal(err)
	}
	return New(git, dir, cfg, nil)
}

func TestEngine_SyncIsSingleFlight(t *testing.T) {
	git := &fakeGit{started: make(chan struct{}), release: make(chan struct{})}
	e := newFakeEngine(t, git, Config{})

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.Sync(context.Background())
		}(i)
		if i == 0 {
			<-git.started
		}
	}
	time.Sleep(50 * time.Millisecond)
	if st := e.Status(); st.Status != models.SyncSyncing {
		t.Errorf("status during cycle = %q; want syncing", st.Status)
	}
	close(git.release)
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Errorf("Sync #%d: %v", i, err)
		}
	}
	if n := git.fetches.Load(); n != 1 {
		t.Errorf("fetch ran %d times; want 1", n)
	}
}

func TestEngine_ExclusiveWaitsForCycle(t *testing.T) {
	git := &fakeGit{started: make(chan struct{}), release: make(chan struct{})}
	e := newFakeEngine(t, git, Config{})

	done := make(chan struct{})
	go func() {
		_, _ = e.Sync(context.Background())
		close(done)
	}()
	<-git.started

	var ran atomic.Bool
	exclusive := make(chan error, 1)
	go func() {
		exclusive <- e.Exclusive(func() error {
			ran.Store(true)
			return errors.New("boom")
		})
	}()
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("Exclusive ran while a cycle held the working copy")
	}

	close(git.release)
	<-done
	if err := <-exclusive; err == nil || err.Error() != "boom" {
		t.Errorf("Exclusive = %v; want the callback error", err)
	}
	if !ran.Load() {
		t.Error("callback did not run after the cycle")
	}
}

func TestEngine_TriggerCoalesces(t *testing.T) {
	e := newFakeEngine(t, &fakeGit{}, Config{})
	e.Trigger()
	e.Trigger()
	e.Trigger()
	if n := len(e.trigger); n != 1 {
		t.Errorf("pending triggers = %d; want 1", n)
	}
}

func TestEngine_TriggerIgnoredWhileSyncing(t *testing.T) {
	git := &fakeGit{started: make(chan struct{}), release: make(chan struct{})}
	e := newFakeEngine(t, git, Config{})

	done := make(chan struct{})
	go func() {
		_, _ = e.Sync(context.Background())
		close(done)
	}()
	<-git.started
	e.Trigger()
	if n := len(e.trigger); n != 0 {
		t.Errorf("pending triggers during cycle = %d; want 0", n)
	}
	close(git.release)
	<-done
}

func TestEngine_BackoffIsCapped(t *testing.T) {
	git := &fakeGit{fetchErr: errors.New("fatal: unable to access 'https://example.com/x.git/': Could not resolve host: example.com")}
	e := newFakeEngine(t, git, Config{MaxBackoff: time.Minute})
	now := time.Unix(1700000000, 0)
	e.clock = func() time.Time { return now }

	var st models.SyncState
	for i := 0; i < 10; i++ {
		st, _ = e.Sync(context.Background())
	}
	if st.ConsecutiveFailures != 10 {
		t.Errorf("ConsecutiveFailures = %d; want 10", st.ConsecutiveFailures)
	}
	if d := st.NextAttemptAt.Sub(now); d <= 0 || d > time.Minute {
		t.Errorf("retry delay = %v; want within (0, 1m]", d)
	}

	git.fetchErr = nil
	st, err := e.Sync(context.Background())
	if err != nil || st.Status != models.SyncIdle || st.ConsecutiveFailures != 0 || st.NextAttemptAt != nil {
		t.Errorf("recovered state = %+v, %v; want clean idle", st, err)
	}
}

func TestEngine_AuthFailure(t *testing.T) {
	git := &fakeGit{fetchErr: errors.New("git fetch: exit status 128 (stderr: fatal: Authentication failed for 'https://example.com/x.git/')")}
	e := newFakeEngine(t, git, Config{})

	st, err := e.Sync(context.Background())
	if !errors.Is(err, ErrRemoteAuthFailure) {
		t.Fatalf("Sync = %v; want ErrRemoteAuthFailure", err)
	}
	if st.Reason != ErrRemoteAuthFailure.Error() {
		t.Errorf("reason = %q", st.Reason)
	}
	if strings.Contains(st.Reason, "example.com") {
		t.Error("reason leaks git output")
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	git := &fakeGit{}
	e := newFakeEngine(t, git, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for (git.fetches.Load() < 1 || e.Status().Status != models.SyncIdle) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	e.Trigger()
	for git.fetches.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := git.fetches.Load(); n < 2 {
		t.Errorf("triggered cycle did not run; fetches = %d", n)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCLIGit_CredentialNotInArgs(t *testing.T) {
	g := NewCLIGit("/tmp/x", Credentials{Username: "bot", Token: "s3cret"}, testAuthor)
	var header string
	for _, kv := range g.env {
		if strings.HasPrefix(kv, "GIT_CONFIG_VALUE_0=") {
			header = kv
		}
	}
	// base64("bot:s3cret")
	if header != "GIT_CONFIG_VALUE_0=Authorization: Basic Ym90OnMzY3JldA==" {
		t.Errorf("extra header env = %q", header)
	}
}
