package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/schema"
	"github.com/pitabwire/modulus/model"
)

// Document is the live module document together with the revision it was
// read at or written as.
type Document struct {
	Config   model.ModulesConfig `json:"config"`
	Revision Revision            `json:"revision"`
}

// ChangeOp names a mutation of the live document.
type ChangeOp string

const (
	OpReplace         ChangeOp = "replace"
	OpUpsertModule    ChangeOp = "upsert-module"
	OpDeleteModule    ChangeOp = "delete-module"
	OpUpsertSubmodule ChangeOp = "upsert-submodule"
	OpDeleteSubmodule ChangeOp = "delete-submodule"
	OpRestoreBackup   ChangeOp = "restore-backup"
	OpCreateBackup    ChangeOp = "create-backup"
	OpExternalEdit    ChangeOp = "external-edit"
)

// Change describes a committed mutation.
type Change struct {
	Op          ChangeOp  `json:"op"`
	ModuleID    string    `json:"moduleId,omitempty"`
	SubmoduleID string    `json:"submoduleId,omitempty"`
	Backup      string    `json:"backup,omitempty"`
	Revision    Revision  `json:"revision"`
	At          time.Time `json:"at"`
}

// ChangeNotifier is told about every committed change. Implementations must
// not block for long and handle their own delivery errors.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, change Change)
}

// Observer receives store lifecycle events for metrics.
type Observer interface {
	OnMutation(ctx context.Context, event MutationEvent)
	OnCorruptDocument(ctx context.Context)
}

// MutationEvent describes the outcome of one store operation.
type MutationEvent struct {
	Op       ChangeOp
	Success  bool
	Duration time.Duration
	Revision Revision
	Error    string
}

// Store implements load, save, the module/submodule mutations, and backups
// on top of a ConfigRepository. Every mutation reads the whole document,
// changes it in memory and writes it back. Concurrent mutations race with
// last-write-wins semantics unless the caller passes the revision it read,
// in which case a lost update surfaces as CONFLICT.
type Store struct {
	repo      ConfigRepository
	logger    *zap.Logger
	now       func() time.Time
	notifiers []ChangeNotifier
	observers []Observer
}

// Option configures optional dependencies.
type Option func(*Store)

// WithClock overrides the time source used for backup names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithNotifier adds a change notifier.
func WithNotifier(n ChangeNotifier) Option {
	return func(s *Store) { s.notifiers = append(s.notifiers, n) }
}

// WithObserver adds a store observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observers = append(s.observers, o) }
}

// New creates a Store over repo.
func New(repo ConfigRepository, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{repo: repo, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the live document. A missing document is created empty and
// persisted unless another writer stored one first. A corrupt document is
// logged and replaced by an empty one in memory only; the stored bytes are
// left untouched.
func (s *Store) Load(ctx context.Context) (Document, error) {
	data, rev, err := s.repo.Read(ctx)
	if errors.Is(err, ErrNotExist) {
		doc, created, createErr := s.createDefault(ctx)
		if createErr != nil || created {
			return doc, createErr
		}
		data, rev, err = s.repo.Read(ctx)
	}
	if err != nil {
		return Document{}, fmt.Errorf("read module document: %w", err)
	}

	cfg, err := model.ParseModulesConfig(data)
	if err != nil {
		s.logger.Warn("module document is corrupt, serving an empty document",
			zap.Uint64("revision", uint64(rev)),
			zap.Error(err),
		)
		for _, o := range s.observers {
			o.OnCorruptDocument(ctx)
		}
		return Document{Config: model.DefaultModulesConfig(), Revision: rev}, nil
	}
	return Document{Config: cfg, Revision: rev}, nil
}

// createDefault stores the empty document. created is false when another
// writer got there first.
func (s *Store) createDefault(ctx context.Context) (doc Document, created bool, err error) {
	cfg := model.DefaultModulesConfig()
	raw, err := encode(cfg)
	if err != nil {
		return Document{}, false, err
	}
	rev, err := s.repo.Create(ctx, raw)
	if errors.Is(err, ErrRevisionConflict) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("create default document: %w", err)
	}
	s.logger.Info("created empty module document", zap.Uint64("revision", uint64(rev)))
	return Document{Config: cfg, Revision: rev}, true, nil
}

// Save normalizes and persists a whole document.
func (s *Store) Save(ctx context.Context, cfg model.ModulesConfig, expect Revision) (Document, error) {
	start := time.Now()
	cfg.Normalize()
	if err := issuesError(schema.Validate(&cfg)); err != nil {
		s.observe(ctx, OpReplace, start, 0, err)
		return Document{}, err
	}
	return s.write(ctx, start, cfg, expect, Change{Op: OpReplace})
}

// UpsertModule merges patch into the module with the same id, or appends a
// new module.
func (s *Store) UpsertModule(ctx context.Context, patch ModulePatch, expect Revision) (Document, error) {
	if patch.ID == "" {
		return Document{}, model.NewBadRequestError("module id is required")
	}
	return s.mutate(ctx, Change{Op: OpUpsertModule, ModuleID: patch.ID}, expect,
		func(cfg *model.ModulesConfig) (bool, error) {
			m, _ := cfg.Module(patch.ID)
			if m == nil {
				cfg.Modules = append(cfg.Modules, model.Module{})
				m = &cfg.Modules[len(cfg.Modules)-1]
			}
			patch.apply(m)
			cfg.Normalize()
			return true, checkModule(cfg, patch.ID)
		})
}

// DeleteModule removes a module. Deleting an unknown module is a no-op.
func (s *Store) DeleteModule(ctx context.Context, moduleID string, expect Revision) (Document, error) {
	return s.mutate(ctx, Change{Op: OpDeleteModule, ModuleID: moduleID}, expect,
		func(cfg *model.ModulesConfig) (bool, error) {
			_, idx := cfg.Module(moduleID)
			if idx < 0 {
				return false, nil
			}
			cfg.Modules = append(cfg.Modules[:idx], cfg.Modules[idx+1:]...)
			return true, nil
		})
}

// UpsertSubmodule merges patch into the submodule with the same id inside
// moduleID, or appends a new submodule. The parent module must exist and the
// submodule's route must not be used by any other submodule.
func (s *Store) UpsertSubmodule(ctx context.Context, moduleID string, patch SubmodulePatch, expect Revision) (Document, error) {
	if patch.ID == "" {
		return Document{}, model.NewBadRequestError("submodule id is required")
	}
	return s.mutate(ctx, Change{Op: OpUpsertSubmodule, ModuleID: moduleID, SubmoduleID: patch.ID}, expect,
		func(cfg *model.ModulesConfig) (bool, error) {
			m, _ := cfg.Module(moduleID)
			if m == nil {
				return false, model.NewNotFoundError(fmt.Sprintf("module %q not found", moduleID))
			}
			sub, _ := m.Submodule(patch.ID)
			if sub == nil {
				m.Submodules = append(m.Submodules, model.Submodule{})
				sub = &m.Submodules[len(m.Submodules)-1]
			}
			patch.apply(sub)
			cfg.Normalize()
			return true, issuesError(schema.CheckSubmodule(cfg, moduleID, patch.ID))
		})
}

// DeleteSubmodule removes a submodule. The parent module must exist;
// deleting an unknown submodule is a no-op.
func (s *Store) DeleteSubmodule(ctx context.Context, moduleID, subID string, expect Revision) (Document, error) {
	return s.mutate(ctx, Change{Op: OpDeleteSubmodule, ModuleID: moduleID, SubmoduleID: subID}, expect,
		func(cfg *model.ModulesConfig) (bool, error) {
			m, _ := cfg.Module(moduleID)
			if m == nil {
				return false, model.NewNotFoundError(fmt.Sprintf("module %q not found", moduleID))
			}
			_, idx := m.Submodule(subID)
			if idx < 0 {
				return false, nil
			}
			m.Submodules = append(m.Submodules[:idx], m.Submodules[idx+1:]...)
			return true, nil
		})
}

// CreateBackup copies the stored bytes of the live document, corrupt or
// not, under a new timestamped name.
func (s *Store) CreateBackup(ctx context.Context) (string, error) {
	start := time.Now()
	data, rev, err := s.repo.Read(ctx)
	if errors.Is(err, ErrNotExist) {
		if _, err = s.Load(ctx); err != nil {
			return "", err
		}
		data, rev, err = s.repo.Read(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("read module document: %w", err)
	}

	at := s.now()
	for attempt := 0; attempt < 10; attempt++ {
		name := BackupName(at)
		err = s.repo.CreateBackup(ctx, name, data)
		if errors.Is(err, ErrBackupExists) {
			at = at.Add(time.Millisecond)
			continue
		}
		if err != nil {
			s.observe(ctx, OpCreateBackup, start, rev, err)
			return "", fmt.Errorf("create backup: %w", err)
		}
		s.logger.Info("created module backup", zap.String("backup", name), zap.Uint64("revision", uint64(rev)))
		s.observe(ctx, OpCreateBackup, start, rev, nil)
		return name, nil
	}
	s.observe(ctx, OpCreateBackup, start, rev, err)
	return "", fmt.Errorf("create backup: %w", err)
}

// ListBackups returns snapshot names, newest first.
func (s *Store) ListBackups(ctx context.Context) ([]string, error) {
	names, err := s.repo.ListBackups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return sortNewestFirst(names), nil
}

// GetBackup returns a snapshot's document without restoring it.
func (s *Store) GetBackup(ctx context.Context, name string) (model.ModulesConfig, error) {
	_, cfg, err := s.readBackup(ctx, name)
	return cfg, err
}

// RestoreBackup makes a snapshot the live document, overwriting it
// wholesale with the snapshot's bytes.
func (s *Store) RestoreBackup(ctx context.Context, name string, expect Revision) (Document, error) {
	start := time.Now()
	data, cfg, err := s.readBackup(ctx, name)
	if err != nil {
		return Document{}, err
	}
	rev, err := s.repo.Write(ctx, data, expect)
	if err != nil {
		err = writeError(err)
		s.observe(ctx, OpRestoreBackup, start, 0, err)
		return Document{}, err
	}
	s.logger.Info("restored module backup", zap.String("backup", name), zap.Uint64("revision", uint64(rev)))
	s.observe(ctx, OpRestoreBackup, start, rev, nil)
	s.notify(ctx, Change{Op: OpRestoreBackup, Backup: name, Revision: rev})
	return Document{Config: cfg, Revision: rev}, nil
}

// NotifyExternalEdit announces a revision produced outside the store, such
// as a hand edit picked up by a FileWatcher.
func (s *Store) NotifyExternalEdit(ctx context.Context, rev Revision) {
	s.notify(ctx, Change{Op: OpExternalEdit, Revision: rev})
}

func (s *Store) readBackup(ctx context.Context, name string) ([]byte, model.ModulesConfig, error) {
	notFound := model.NewNotFoundError(fmt.Sprintf("backup %q not found", name))
	if !validBackupName(name) {
		return nil, model.ModulesConfig{}, notFound
	}
	names, err := s.repo.ListBackups(ctx)
	if err != nil {
		return nil, model.ModulesConfig{}, fmt.Errorf("list backups: %w", err)
	}
	known := false
	for _, n := range names {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return nil, model.ModulesConfig{}, notFound
	}

	data, err := s.repo.ReadBackup(ctx, name)
	if errors.Is(err, ErrBackupNotFound) {
		return nil, model.ModulesConfig{}, notFound
	}
	if err != nil {
		return nil, model.ModulesConfig{}, fmt.Errorf("read backup: %w", err)
	}
	cfg, err := model.ParseModulesConfig(data)
	if err != nil {
		return nil, model.ModulesConfig{}, model.NewCorruptError(fmt.Sprintf("backup %q is not a valid module document", name))
	}
	return data, cfg, nil
}

// mutate runs the read-modify-write cycle. fn reports whether it changed
// the document; unchanged documents are returned without writing.
func (s *Store) mutate(ctx context.Context, change Change, expect Revision, fn func(*model.ModulesConfig) (bool, error)) (Document, error) {
	start := time.Now()
	doc, err := s.Load(ctx)
	if err != nil {
		s.observe(ctx, change.Op, start, 0, err)
		return Document{}, err
	}
	if expect != AnyRevision && expect != doc.Revision {
		err := model.NewConflictError(fmt.Sprintf("document revision is %d, not %d", doc.Revision, expect))
		s.observe(ctx, change.Op, start, doc.Revision, err)
		return Document{}, err
	}

	cfg := doc.Config
	changed, err := fn(&cfg)
	if err != nil {
		s.observe(ctx, change.Op, start, doc.Revision, err)
		return Document{}, err
	}
	if !changed {
		s.observe(ctx, change.Op, start, doc.Revision, nil)
		return doc, nil
	}
	return s.write(ctx, start, cfg, expect, change)
}

func (s *Store) write(ctx context.Context, start time.Time, cfg model.ModulesConfig, expect Revision, change Change) (Document, error) {
	data, err := encode(cfg)
	if err != nil {
		s.observe(ctx, change.Op, start, 0, err)
		return Document{}, err
	}
	rev, err := s.repo.Write(ctx, data, expect)
	if err != nil {
		err = writeError(err)
		s.observe(ctx, change.Op, start, 0, err)
		return Document{}, err
	}

	s.logger.Info("module document updated",
		zap.String("op", string(change.Op)),
		zap.String("module_id", change.ModuleID),
		zap.String("submodule_id", change.SubmoduleID),
		zap.Uint64("revision", uint64(rev)),
	)
	s.observe(ctx, change.Op, start, rev, nil)
	change.Revision = rev
	s.notify(ctx, change)
	return Document{Config: cfg, Revision: rev}, nil
}

func (s *Store) notify(ctx context.Context, change Change) {
	if change.At.IsZero() {
		change.At = s.now().UTC()
	}
	for _, n := range s.notifiers {
		n.NotifyChange(ctx, change)
	}
}

func (s *Store) observe(ctx context.Context, op ChangeOp, start time.Time, rev Revision, err error) {
	if len(s.observers) == 0 {
		return
	}
	ev := MutationEvent{Op: op, Success: err == nil, Duration: time.Since(start), Revision: rev}
	if err != nil {
		ev.Error = err.Error()
	}
	for _, o := range s.observers {
		o.OnMutation(ctx, ev)
	}
}

func writeError(err error) error {
	if errors.Is(err, ErrRevisionConflict) {
		return model.NewConflictError(err.Error())
	}
	return fmt.Errorf("write module document: %w", err)
}

func encode(cfg model.ModulesConfig) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode module document: %w", err)
	}
	return data, nil
}

// checkModule validates every submodule of the given module.
func checkModule(cfg *model.ModulesConfig, moduleID string) error {
	m, _ := cfg.Module(moduleID)
	if m == nil {
		return nil
	}
	var issues []schema.Issue
	seen := make(map[string]bool, len(m.Submodules))
	for _, sub := range m.Submodules {
		if sub.ID == "" {
			return model.NewBadRequestError("submodule id is required")
		}
		if seen[sub.ID] {
			return model.NewBadRequestError(fmt.Sprintf("duplicate submodule id %q in module %q", sub.ID, moduleID))
		}
		seen[sub.ID] = true
		issues = append(issues, schema.CheckSubmodule(cfg, moduleID, sub.ID)...)
	}
	return issuesError(issues)
}

// issuesError converts error-severity issues into an envelope. Route
// collisions are conflicts; everything else is a malformed payload.
func issuesError(issues []schema.Issue) error {
	errs := schema.Errors(issues)
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	conflict := false
	for i, is := range errs {
		details[i] = model.FieldError{Field: is.Path, Code: is.Code, Message: is.Message}
		if is.Code == schema.CodeDuplicateRoute {
			conflict = true
		}
	}
	env := model.NewBadRequestError("module document is invalid")
	if conflict {
		env = model.NewConflictError(errs[0].Message)
	}
	env.Details = details
	return env
}
