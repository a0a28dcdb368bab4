package integration

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/modulus/internal/events"
	"github.com/pitabwire/modulus/internal/store"
	"github.com/pitabwire/modulus/model"
)

func revisionOf(t *testing.T, resp *http.Response) uint64 {
	t.Helper()
	raw := resp.Header.Get("X-Config-Revision")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		t.Fatalf("X-Config-Revision = %q: %v", raw, err)
	}
	if etag := resp.Header.Get("ETag"); etag != `"`+raw+`"` {
		t.Errorf("ETag = %q, want %q", etag, `"`+raw+`"`)
	}
	return n
}

func TestSettings_readModules(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	resp := h.GET("/api/settings/modules", token)
	var cfg model.ModulesConfig
	h.AssertJSON(t, resp, http.StatusOK, &cfg)

	if revisionOf(t, resp) == 0 {
		t.Error("revision should be non-zero after seeding")
	}
	if len(cfg.Modules) != 2 {
		t.Fatalf("modules = %d, want 2", len(cfg.Modules))
	}
	if m, _ := cfg.Module("fleet"); m == nil || len(m.Submodules) != 2 {
		t.Errorf("fleet module = %+v", m)
	}
}

func TestSettings_upsertModuleMergesShallowly(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	var cfg model.ModulesConfig
	h.AssertJSON(t, h.PUT("/api/settings/modules/fleet",
		map[string]any{"name": "Fleet Ops"}, token), http.StatusOK, &cfg)

	fleet, _ := cfg.Module("fleet")
	if fleet == nil {
		t.Fatal("fleet module missing")
	}
	if fleet.Name != "Fleet Ops" {
		t.Errorf("name = %q, want Fleet Ops", fleet.Name)
	}
	if fleet.Icon != "truck" || len(fleet.Submodules) != 2 {
		t.Errorf("untouched fields should survive the merge: %+v", fleet)
	}

	// The menu reflects the change on the next read.
	var menu menuBody
	h.AssertJSON(t, h.GET("/ui/menu", token), http.StatusOK, &menu)
	if menu.Modules[0].Name != "Fleet Ops" {
		t.Errorf("menu name = %q", menu.Modules[0].Name)
	}
}

func TestSettings_submoduleLifecycle(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	h.AssertStatus(t, h.PUT("/api/settings/modules/fleet/submodules/trips",
		map[string]any{"name": "Trips", "route": "/trips"}, token), http.StatusOK)

	h.Backend().OnOperation("listDrivers").RespondWith(http.StatusOK, map[string]any{"data": []any{}})
	h.AssertStatus(t, h.GET("/ui/render?path=/trips", token), http.StatusOK)

	first := h.DELETE("/api/settings/modules/fleet/submodules/trips", token)
	h.AssertStatus(t, first, http.StatusOK)
	h.AssertStatus(t, h.GET("/ui/render?path=/trips", token), http.StatusNotFound)

	// Deleting again changes nothing and keeps the revision.
	again := h.DELETE("/api/settings/modules/fleet/submodules/trips", token)
	h.AssertStatus(t, again, http.StatusOK)
	if revisionOf(t, again) != revisionOf(t, first) {
		t.Error("a no-op delete should not advance the revision")
	}

	h.AssertStatus(t, h.DELETE("/api/settings/modules/ghost/submodules/trips", token), http.StatusNotFound)
}

func TestSettings_duplicateRouteConflicts(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	resp := h.PUT("/api/settings/modules/fleet/submodules/trucks",
		map[string]any{"name": "Trucks", "route": "/vehicles"}, token)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrConflict {
		t.Errorf("code = %q, want CONFLICT", code)
	}
}

func TestSettings_ifMatchDetectsConcurrentEdit(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	first := h.GET("/api/settings/modules", token)
	h.AssertStatus(t, first, http.StatusOK)
	rev := revisionOf(t, first)
	etag := first.Header.Get("ETag")

	// Another administrator writes first.
	h.AssertStatus(t, h.PUT("/api/settings/modules/reports", map[string]any{"enabled": true}, token), http.StatusOK)

	resp := h.Do(http.MethodPut, "/api/settings/modules/fleet", map[string]any{"name": "Stale"}, token,
		map[string]string{"If-Match": etag})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale write status = %d, want 409", resp.StatusCode)
	}
	if code := h.ErrorCode(resp); code != model.ErrConflict {
		t.Errorf("code = %q, want CONFLICT", code)
	}

	fresh := h.GET("/api/settings/modules", token)
	h.AssertStatus(t, fresh, http.StatusOK)
	next := revisionOf(t, fresh)
	if next <= rev {
		t.Fatalf("revision %d should have advanced past %d", next, rev)
	}
	resp = h.Do(http.MethodPut, "/api/settings/modules/fleet", map[string]any{"name": "Fresh"}, token,
		map[string]string{"If-Match": fresh.Header.Get("ETag")})
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestSettings_malformedIfMatch(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	resp := h.Do(http.MethodPut, "/api/settings/modules/fleet", map[string]any{"name": "X"}, token,
		map[string]string{"If-Match": `"abc"`})
	h.AssertStatus(t, resp, http.StatusBadRequest)
}

func TestSettings_invalidDocumentRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	resp := h.PUT("/api/settings/modules", map[string]any{
		"version": 1,
		"modules": []any{map[string]any{"id": "", "name": "Nameless"}},
	}, token)
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 400 or 422", resp.StatusCode)
	}

	// The stored document is untouched.
	var cfg model.ModulesConfig
	h.AssertJSON(t, h.GET("/api/settings/modules", token), http.StatusOK, &cfg)
	if len(cfg.Modules) != 2 {
		t.Errorf("modules = %d, want 2", len(cfg.Modules))
	}
}

func TestSettings_backupAndRestore(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	var created struct {
		Name string `json:"name"`
	}
	h.AssertJSON(t, h.POST("/api/settings/modules/backups", nil, token), http.StatusCreated, &created)
	if created.Name == "" {
		t.Fatal("backup name should be returned")
	}

	var list struct {
		Backups []string `json:"backups"`
	}
	h.AssertJSON(t, h.GET("/api/settings/modules/backups", token), http.StatusOK, &list)
	if len(list.Backups) != 1 || list.Backups[0] != created.Name {
		t.Fatalf("backups = %v, want [%s]", list.Backups, created.Name)
	}

	h.AssertStatus(t, h.DELETE("/api/settings/modules/fleet", token), http.StatusOK)

	var snapshot model.ModulesConfig
	h.AssertJSON(t, h.GET("/api/settings/modules/backups/"+created.Name, token), http.StatusOK, &snapshot)
	if m, _ := snapshot.Module("fleet"); m == nil {
		t.Error("backup should still hold the fleet module")
	}

	var restored model.ModulesConfig
	h.AssertJSON(t, h.POST("/api/settings/modules/backups/"+created.Name+"/restore", nil, token),
		http.StatusOK, &restored)
	if m, _ := restored.Module("fleet"); m == nil {
		t.Fatal("restore should bring the fleet module back")
	}
	h.AssertStatus(t, h.GET("/ui/render?path=/drivers", token), http.StatusOK)
}

func TestSettings_unknownBackup(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	h.AssertStatus(t, h.GET("/api/settings/modules/backups/modules-2020-01-01T00-00-00.000Z.json", token), http.StatusNotFound)
	h.AssertStatus(t, h.POST("/api/settings/modules/backups/nope.json/restore", nil, token), http.StatusNotFound)
}

func TestSettings_changesArePublished(t *testing.T) {
	h := NewTestHarness(t, WithEvents())
	token := h.GenerateToken(AdminClaims())

	changes := make(chan store.Change, 4)
	sub, err := events.Subscribe(h.NATS, events.DefaultSubject, zap.NewNop(), func(c store.Change) {
		changes <- c
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.NATS.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	resp := h.PUT("/api/settings/modules/fleet/submodules/trips",
		map[string]any{"name": "Trips", "route": "/trips"}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	rev := revisionOf(t, resp)

	select {
	case c := <-changes:
		if c.Op != store.OpUpsertSubmodule || c.ModuleID != "fleet" || c.SubmoduleID != "trips" {
			t.Errorf("change = %+v", c)
		}
		if uint64(c.Revision) != rev {
			t.Errorf("change revision = %d, want %d", c.Revision, rev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change event received")
	}

	h.AssertStatus(t, h.GET("/ready", ""), http.StatusOK)
}
