// Package pass adapts the pass password manager as a path-addressed entry
// store. Entries are decrypted and encrypted by the external tool; this
// package never touches key material.
package pass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
)

const entryExt = ".gpg"

// Store reads and writes entries through a Runner.
type Store struct {
	runner  Runner
	dir     string
	timeout time.Duration
	log     *zap.Logger
}

// NewStore returns a Store over the password store rooted at dir. Each
// subprocess is bounded by timeout.
func NewStore(runner Runner, dir string, timeout time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{runner: runner, dir: dir, timeout: timeout, log: log}
}

// Dir returns the root of the password store.
func (s *Store) Dir() string {
	return s.dir
}

// Exists reports whether an entry is stored at path.
func (s *Store) Exists(path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	_, err := os.Stat(s.file(path))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// List returns the sorted paths of all entries. It only inspects file names
// and never decrypts.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == s.dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != s.dir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !strings.HasSuffix(d.Name(), entryExt) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(strings.TrimSuffix(rel, entryExt)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Read decrypts and parses the entry at path.
func (s *Store) Read(ctx context.Context, path string) (models.Entry, error) {
	if err := s.requireExisting(path); err != nil {
		return models.Entry{}, err
	}

	out, err := s.run(ctx, "show", nil, "show", path)
	if err != nil {
		return models.Entry{}, err
	}
	entry, err := Decode(path, out)
	if err != nil {
		return models.Entry{}, err
	}
	return entry, nil
}

// Write encrypts entry and stores it at path, replacing any previous
// content. Intermediate directories are created by the tool.
func (s *Store) Write(ctx context.Context, path string, entry models.Entry) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if err := ValidateEntry(entry); err != nil {
		return err
	}
	_, err := s.run(ctx, "insert", Encode(entry), "insert", "--multiline", "--force", path)
	return err
}

// Delete removes the entry at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.requireExisting(path); err != nil {
		return err
	}
	_, err := s.run(ctx, "rm", nil, "rm", "--force", path)
	return err
}

func (s *Store) file(path string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path)+entryExt)
}

func (s *Store) requireExisting(path string) error {
	ok, err := s.Exists(path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

func (s *Store) run(ctx context.Context, op string, stdin []byte, args ...string) ([]byte, error) {
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	stdout, stderr, err := s.runner.Run(runCtx, stdin, args...)
	if err == nil {
		return stdout, nil
	}

	path := args[len(args)-1]
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.log.Warn("pass timed out", zap.String("op", op), zap.String("path", path), zap.Duration("elapsed", time.Since(started)))
		return nil, fmt.Errorf("%w: %s %s", ErrExecutionTimeout, op, path)
	}

	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	s.log.Debug("pass failed",
		zap.String("op", op),
		zap.String("path", path),
		zap.Int("exit_code", code),
		zap.ByteString("stderr", bytes.TrimSpace(stderr)),
	)

	if bytes.Contains(stderr, []byte("is not in the password store")) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if op == "show" {
		return nil, fmt.Errorf("%w: %s", ErrDecryptFailed, path)
	}
	return nil, fmt.Errorf("%w: pass %s %s: exit code %d", ErrDecryptFailed, op, path, code)
}
