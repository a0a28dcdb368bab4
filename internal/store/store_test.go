package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/modulus/model"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) NotifyChange(_ context.Context, c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
}

func (n *recordingNotifier) ops() []ChangeOp {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ChangeOp, len(n.changes))
	for i, c := range n.changes {
		out[i] = c.Op
	}
	return out
}

type countingObserver struct {
	mutations []MutationEvent
	corrupt   int
}

func (o *countingObserver) OnMutation(_ context.Context, ev MutationEvent) {
	o.mutations = append(o.mutations, ev)
}

func (o *countingObserver) OnCorruptDocument(context.Context) { o.corrupt++ }

func strPtr(s string) *string { return &s }

func fleetSubmodule() model.Submodule {
	return model.Submodule{
		ID:    "vehicles",
		Name:  "Vehicles",
		Route: "/vehicles",
		Actions: []model.Action{
			{ID: "add", Label: "Add", Type: model.ActionOpenModal, Target: "new-vehicle"},
		},
		Metrics: []model.Metric{
			{ID: "count", Label: "Vehicles", ValueExpr: "length"},
		},
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return New(repo, nil, opts...), repo
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env), "error type = %T", err)
	assert.Equal(t, code, env.Code)
}

// --- Load ---

func TestStore_Load_createsDefault(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Config.Version)
	assert.Empty(t, doc.Config.Modules)
	assert.Equal(t, Revision(1), doc.Revision)

	data, _, err := repo.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"modules":[]}`, string(data))
}

func TestStore_Load_corruptServesDefaultWithoutWriting(t *testing.T) {
	obs := &countingObserver{}
	s, repo := newTestStore(t, WithObserver(obs))
	repo.Corrupt([]byte(`{"version": 1, "modules": [`))

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Config.Modules)
	assert.Equal(t, Revision(1), doc.Revision, "the stored revision is kept for If-Match")
	assert.Equal(t, 1, obs.corrupt)

	data, _, err := repo.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"version": 1, "modules": [`, string(data))
}

// racingRepository lets another writer store a document between Read
// reporting ErrNotExist and the default document being created.
type racingRepository struct {
	*MemoryRepository
	beforeCreate func()
}

func (r *racingRepository) Create(ctx context.Context, data []byte) (Revision, error) {
	if r.beforeCreate != nil {
		r.beforeCreate()
	}
	return r.MemoryRepository.Create(ctx, data)
}

func TestStore_Load_defaultNeverOverwritesConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryRepository()
	concurrent := []byte(`{"version":1,"modules":[{"id":"fleet","name":"Fleet"}]}`)
	repo := &racingRepository{MemoryRepository: mem, beforeCreate: func() {
		_, err := mem.Write(ctx, concurrent, AnyRevision)
		require.NoError(t, err)
	}}
	s := New(repo, nil)

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Config.Modules, 1)
	assert.Equal(t, "fleet", doc.Config.Modules[0].ID)
	assert.Equal(t, Revision(1), doc.Revision)

	data, _, err := mem.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(concurrent), string(data))
}

// --- Save ---

func TestStore_Save_roundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cfg := model.ModulesConfig{Modules: []model.Module{{
		ID:         "fleet",
		Name:       "Fleet",
		Submodules: []model.Submodule{fleetSubmodule()},
	}}}
	saved, err := s.Save(ctx, cfg, AnyRevision)
	require.NoError(t, err)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved.Revision, loaded.Revision)
	assert.Equal(t, saved.Config, loaded.Config)
	assert.Equal(t, 1, loaded.Config.Version)
}

func TestStore_Save_duplicateRouteConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	a := fleetSubmodule()
	b := fleetSubmodule()
	b.ID = "trucks"

	_, err := s.Save(context.Background(), model.ModulesConfig{Modules: []model.Module{
		{ID: "fleet", Name: "Fleet", Submodules: []model.Submodule{a, b}},
	}}, AnyRevision)
	requireCode(t, err, model.ErrConflict)
}

func TestStore_Save_invalidDocumentRejected(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Save(context.Background(), model.ModulesConfig{Modules: []model.Module{
		{ID: "", Name: "Nameless"},
	}}, AnyRevision)
	requireCode(t, err, model.ErrBadRequest)

	var env *model.ErrorEnvelope
	require.True(t, errors.As(err, &env))
	assert.NotEmpty(t, env.Details)
}

func TestStore_Save_staleRevisionConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	_, err = s.Save(ctx, doc.Config, doc.Revision)
	require.NoError(t, err)

	_, err = s.Save(ctx, doc.Config, doc.Revision)
	requireCode(t, err, model.ErrConflict)
}

// --- UpsertModule ---

func TestStore_UpsertModule_appendsThenMerges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Name: strPtr("Fleet"), Icon: strPtr("truck")}, AnyRevision)
	require.NoError(t, err)
	_, err = s.UpsertSubmodule(ctx, "fleet", PatchFromSubmodule(fleetSubmodule()), AnyRevision)
	require.NoError(t, err)

	doc, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Name: strPtr("Fleet Ops")}, AnyRevision)
	require.NoError(t, err)

	require.Len(t, doc.Config.Modules, 1)
	m := doc.Config.Modules[0]
	assert.Equal(t, "Fleet Ops", m.Name)
	assert.Equal(t, "truck", m.Icon, "absent fields are preserved")
	require.Len(t, m.Submodules, 1, "absent submodules are preserved")
	assert.Equal(t, "vehicles", m.Submodules[0].ID)
}

func TestStore_UpsertModule_replacesSubmodulesWhenPresent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, PatchFromModule(model.Module{
		ID: "fleet", Name: "Fleet", Submodules: []model.Submodule{fleetSubmodule()},
	}), AnyRevision)
	require.NoError(t, err)

	empty := []model.Submodule{}
	doc, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Submodules: &empty}, AnyRevision)
	require.NoError(t, err)
	assert.Empty(t, doc.Config.Modules[0].Submodules)
}

func TestStore_UpsertModule_requiresID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertModule(context.Background(), ModulePatch{Name: strPtr("x")}, AnyRevision)
	requireCode(t, err, model.ErrBadRequest)
}

// --- DeleteModule ---

func TestStore_DeleteModule(t *testing.T) {
	n := &recordingNotifier{}
	s, _ := newTestStore(t, WithNotifier(n))
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Name: strPtr("Fleet")}, AnyRevision)
	require.NoError(t, err)
	_, err = s.UpsertModule(ctx, ModulePatch{ID: "hr", Name: strPtr("HR")}, AnyRevision)
	require.NoError(t, err)

	doc, err := s.DeleteModule(ctx, "fleet", AnyRevision)
	require.NoError(t, err)
	require.Len(t, doc.Config.Modules, 1)
	assert.Equal(t, "hr", doc.Config.Modules[0].ID)
	assert.Equal(t, []ChangeOp{OpUpsertModule, OpUpsertModule, OpDeleteModule}, n.ops())
}

func TestStore_DeleteModule_unknownIsNoop(t *testing.T) {
	n := &recordingNotifier{}
	s, _ := newTestStore(t, WithNotifier(n))
	ctx := context.Background()

	before, err := s.Load(ctx)
	require.NoError(t, err)
	after, err := s.DeleteModule(ctx, "ghost", AnyRevision)
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Empty(t, n.ops())
}

// --- UpsertSubmodule ---

func TestStore_UpsertSubmodule_missingModule(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpsertSubmodule(context.Background(), "ghost", PatchFromSubmodule(fleetSubmodule()), AnyRevision)
	requireCode(t, err, model.ErrNotFound)
}

func TestStore_UpsertSubmodule_shallowMerge(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Name: strPtr("Fleet")}, AnyRevision)
	require.NoError(t, err)
	_, err = s.UpsertSubmodule(ctx, "fleet", PatchFromSubmodule(fleetSubmodule()), AnyRevision)
	require.NoError(t, err)

	actions := []model.Action{{ID: "export", Label: "Export", Type: model.ActionExport}}
	doc, err := s.UpsertSubmodule(ctx, "fleet", SubmodulePatch{ID: "vehicles", Actions: &actions}, AnyRevision)
	require.NoError(t, err)

	sub := doc.Config.Modules[0].Submodules[0]
	assert.Equal(t, "/vehicles", sub.Route)
	require.Len(t, sub.Actions, 1)
	assert.Equal(t, "export", sub.Actions[0].ID)
	require.Len(t, sub.Metrics, 1, "absent metrics are preserved")
}

func TestStore_UpsertSubmodule_routeTakenElsewhere(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, PatchFromModule(model.Module{
		ID: "fleet", Name: "Fleet", Submodules: []model.Submodule{fleetSubmodule()},
	}), AnyRevision)
	require.NoError(t, err)
	_, err = s.UpsertModule(ctx, ModulePatch{ID: "hr", Name: strPtr("HR")}, AnyRevision)
	require.NoError(t, err)

	_, err = s.UpsertSubmodule(ctx, "hr", SubmodulePatch{ID: "staff", Name: strPtr("Staff"), Route: strPtr("/vehicles/")}, AnyRevision)
	requireCode(t, err, model.ErrConflict)
}

func TestStore_UpsertSubmodule_relativeRouteRejected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Name: strPtr("Fleet")}, AnyRevision)
	require.NoError(t, err)

	_, err = s.UpsertSubmodule(ctx, "fleet", SubmodulePatch{ID: "v", Name: strPtr("V"), Route: strPtr("vehicles")}, AnyRevision)
	requireCode(t, err, model.ErrBadRequest)
}

// --- DeleteSubmodule ---

func TestStore_DeleteSubmodule(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, PatchFromModule(model.Module{
		ID: "fleet", Name: "Fleet", Submodules: []model.Submodule{fleetSubmodule()},
	}), AnyRevision)
	require.NoError(t, err)

	doc, err := s.DeleteSubmodule(ctx, "fleet", "vehicles", AnyRevision)
	require.NoError(t, err)
	assert.Empty(t, doc.Config.Modules[0].Submodules)

	again, err := s.DeleteSubmodule(ctx, "fleet", "vehicles", AnyRevision)
	require.NoError(t, err)
	assert.Equal(t, doc.Revision, again.Revision, "second delete writes nothing")

	_, err = s.DeleteSubmodule(ctx, "ghost", "vehicles", AnyRevision)
	requireCode(t, err, model.ErrNotFound)
}

// --- Backups ---

func TestStore_Backups_createListRestore(t *testing.T) {
	clock := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	n := &recordingNotifier{}
	s, _ := newTestStore(t, WithNotifier(n), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Name: strPtr("Fleet")}, AnyRevision)
	require.NoError(t, err)

	first, err := s.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "modules-2026-10-17T09-30-00.000Z.json", first)

	second, err := s.CreateBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "modules-2026-10-17T09-30-00.001Z.json", second, "collisions advance by a millisecond")

	names, err := s.ListBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{second, first}, names)

	_, err = s.DeleteModule(ctx, "fleet", AnyRevision)
	require.NoError(t, err)

	doc, err := s.RestoreBackup(ctx, first, AnyRevision)
	require.NoError(t, err)
	require.Len(t, doc.Config.Modules, 1)
	assert.Equal(t, "fleet", doc.Config.Modules[0].ID)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.Config, loaded.Config)
	assert.Contains(t, n.ops(), OpRestoreBackup)
}

func TestStore_CreateBackup_copiesStoredBytes(t *testing.T) {
	tests := []struct {
		name string
		live string
	}{
		{"corrupt document", `{"version": 1, "modules": [{"id":"m1","name":"Fleet"`},
		{"unknown fields", `{"version": 1, "theme": "dark", "modules": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, repo := newTestStore(t)
			ctx := context.Background()
			repo.Corrupt([]byte(tt.live))

			name, err := s.CreateBackup(ctx)
			require.NoError(t, err)

			data, err := repo.ReadBackup(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, tt.live, string(data))
		})
	}
}

func TestStore_CreateBackup_createsMissingDocument(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	name, err := s.CreateBackup(ctx)
	require.NoError(t, err)

	data, err := repo.ReadBackup(ctx, name)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"modules":[]}`, string(data))
}

func TestStore_GetBackup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertModule(ctx, ModulePatch{ID: "fleet", Name: strPtr("Fleet")}, AnyRevision)
	require.NoError(t, err)
	name, err := s.CreateBackup(ctx)
	require.NoError(t, err)

	cfg, err := s.GetBackup(ctx, name)
	require.NoError(t, err)
	require.Len(t, cfg.Modules, 1)

	_, err = s.GetBackup(ctx, "modules-1999-01-01T00-00-00.000Z.json")
	requireCode(t, err, model.ErrNotFound)
	_, err = s.GetBackup(ctx, "../modules.json")
	requireCode(t, err, model.ErrNotFound)
}

func TestStore_RestoreBackup_corruptSnapshot(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	name := BackupName(time.Now())
	require.NoError(t, repo.CreateBackup(ctx, name, []byte("not json")))

	before, err := s.Load(ctx)
	require.NoError(t, err)

	_, err = s.RestoreBackup(ctx, name, AnyRevision)
	requireCode(t, err, model.ErrCorrupt)

	after, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision, "live document untouched")
}

func TestStore_RestoreBackup_writesBytesVerbatim(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	raw := []byte(`{"version":1,"modules":[{"id":"hr","name":"HR","submodules":[]}]}`)
	name := BackupName(time.Now())
	require.NoError(t, repo.CreateBackup(ctx, name, raw))

	_, err := s.RestoreBackup(ctx, name, AnyRevision)
	require.NoError(t, err)

	data, _, err := repo.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(data))
}

// --- Observers ---

func TestStore_ObserverSeesFailures(t *testing.T) {
	obs := &countingObserver{}
	s, _ := newTestStore(t, WithObserver(obs))

	_, err := s.DeleteSubmodule(context.Background(), "ghost", "x", AnyRevision)
	require.Error(t, err)
	require.NotEmpty(t, obs.mutations)
	last := obs.mutations[len(obs.mutations)-1]
	assert.Equal(t, OpDeleteSubmodule, last.Op)
	assert.False(t, last.Success)
}

func TestChange_JSON(t *testing.T) {
	data, err := json.Marshal(Change{Op: OpDeleteModule, ModuleID: "fleet", Revision: 7})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"op":"delete-module"`)
	assert.Contains(t, string(data), `"revision":7`)
	assert.NotContains(t, string(data), "submoduleId")
}
