package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/pass"
)

// EntryStore is the encrypted, path-addressed entry store.
type EntryStore interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) (models.Entry, error)
	Write(ctx context.Context, path string, entry models.Entry) error
	Delete(ctx context.Context, path string) error
	Exists(path string) (bool, error)
}

// Syncer owns the git working copy the store lives in.
type Syncer interface {
	// Trigger schedules a background sync.
	Trigger()
	// Exclusive runs fn while no sync touches the working copy.
	Exclusive(fn func() error) error
}

// PasswordService manages password entries. Mutations of one path are
// serialized, run outside of any sync cycle, and each successful mutation
// schedules a sync.
type PasswordService struct {
	store EntryStore
	sync  Syncer
	locks *pathLocks
	log   *zap.Logger
}

// NewPasswordService constructs a PasswordService. sync may be nil.
func NewPasswordService(store EntryStore, sync Syncer, log *zap.Logger) *PasswordService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PasswordService{store: store, sync: sync, locks: newPathLocks(), log: log}
}

// List returns the paths of all entries.
func (s *PasswordService) List(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}

// Get returns the entry at path.
func (s *PasswordService) Get(ctx context.Context, path string) (models.Entry, error) {
	return s.store.Read(ctx, path)
}

// Put creates or replaces the entry at path and reports whether it was
// created. When ifRevision is not empty the entry must still be at that
// revision, otherwise pass.ErrEntryConflict is returned and nothing is
// written.
func (s *PasswordService) Put(ctx context.Context, path string, entry models.Entry, ifRevision string) (bool, error) {
	if err := pass.ValidatePath(path); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(path)
	defer unlock()

	var exists bool
	err := s.exclusive(func() error {
		var err error
		if exists, err = s.store.Exists(path); err != nil {
			return err
		}
		if ifRevision != "" {
			if err := s.checkRevision(ctx, path, exists, ifRevision); err != nil {
				return err
			}
		}
		entry.Path = path
		return s.store.Write(ctx, path, entry)
	})
	if err != nil {
		return false, err
	}
	s.log.Info("entry saved", zap.String("path", path), zap.Bool("created", !exists))
	s.triggerSync()
	return !exists, nil
}

func (s *PasswordService) checkRevision(ctx context.Context, path string, exists bool, ifRevision string) error {
	if !exists {
		return fmt.Errorf("%w: %s no longer exists", pass.ErrEntryConflict, path)
	}
	current, err := s.store.Read(ctx, path)
	if err != nil {
		return err
	}
	if current.Revision != ifRevision {
		return fmt.Errorf("%w: %s", pass.ErrEntryConflict, path)
	}
	return nil
}

// Delete removes the entry at path.
func (s *PasswordService) Delete(ctx context.Context, path string) error {
	if err := pass.ValidatePath(path); err != nil {
		return err
	}
	unlock := s.locks.Lock(path)
	defer unlock()

	err := s.exclusive(func() error {
		return s.store.Delete(ctx, path)
	})
	if err != nil {
		return err
	}
	s.log.Info("entry deleted", zap.String("path", path))
	s.triggerSync()
	return nil
}

// update applies fn to the entry at path, or to a zero entry if there is
// none, under the path lock.
func (s *PasswordService) update(ctx context.Context, path string, fn func(e *models.Entry, exists bool)) (bool, error) {
	if err := pass.ValidatePath(path); err != nil {
		return false, err
	}
	unlock := s.locks.Lock(path)
	defer unlock()

	var exists bool
	err := s.exclusive(func() error {
		var err error
		if exists, err = s.store.Exists(path); err != nil {
			return err
		}
		entry := models.Entry{Path: path}
		if exists {
			if entry, err = s.store.Read(ctx, path); err != nil {
				return err
			}
		}
		fn(&entry, exists)
		return s.store.Write(ctx, path, entry)
	})
	if err != nil {
		return false, err
	}
	s.triggerSync()
	return !exists, nil
}

func (s *PasswordService) exclusive(fn func() error) error {
	if s.sync == nil {
		return fn()
	}
	return s.sync.Exclusive(fn)
}

func (s *PasswordService) triggerSync() {
	if s.sync != nil {
		s.sync.Trigger()
	}
}
