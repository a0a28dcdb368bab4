package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/modulus/internal/render"
	"github.com/pitabwire/modulus/model"
)

func TestSecurity_authenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"expired", h.GenerateExpiredToken(ManagerClaims())},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/ui/menu", "/ui/render?path=/vehicles", "/api/settings/modules"} {
				resp := h.GET(path, tt.token)
				if resp.StatusCode != http.StatusUnauthorized {
					t.Errorf("%s status = %d, want 401", path, resp.StatusCode)
				}
				resp.Body.Close()
			}
		})
	}
	h.Backend().AssertNotCalled(t, "listVehicles")
}

func TestSecurity_settingsRequireAdmin(t *testing.T) {
	h := NewTestHarness(t)

	for _, claims := range []TestClaims{ManagerClaims(), DriverClaims()} {
		token := h.GenerateToken(claims)
		t.Run(claims.Role, func(t *testing.T) {
			resp := h.GET("/api/settings/modules", token)
			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", resp.StatusCode)
			}
			if code := h.ErrorCode(resp); code != model.ErrForbidden {
				t.Errorf("code = %q, want FORBIDDEN", code)
			}
			h.AssertStatus(t, h.DELETE("/api/settings/modules/fleet", token), http.StatusForbidden)
			h.AssertStatus(t, h.POST("/api/settings/modules/backups", nil, token), http.StatusForbidden)
		})
	}

	// Nothing was deleted.
	var cfg model.ModulesConfig
	h.AssertJSON(t, h.GET("/api/settings/modules", h.GenerateToken(AdminClaims())), http.StatusOK, &cfg)
	if m, _ := cfg.Module("fleet"); m == nil {
		t.Error("fleet module should survive forbidden deletes")
	}
}

func TestSecurity_resolveStaysInsideBoundary(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	for _, url := range []string{
		"/api/settings/modules",
		"/api/settings/modules/backups",
		"/api/vehicles/../settings/modules",
		"http://169.254.169.254/latest/meta-data",
		"//evil.example.com/api/vehicles",
		"/internal/admin",
	} {
		t.Run(url, func(t *testing.T) {
			resp := h.POST("/ui/resolve", map[string]any{"dataSource": map[string]any{"url": url}}, token)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if code := h.ErrorCode(resp); code != model.ErrBadRequest {
				t.Errorf("code = %q, want BAD_REQUEST", code)
			}
		})
	}
	h.Backend().AssertNotCalled(t, "listVehicles")
}

func TestSecurity_configuredTargetsStayInsideBoundary(t *testing.T) {
	h := NewTestHarness(t)
	admin := h.GenerateToken(AdminClaims())

	h.AssertStatus(t, h.PUT("/api/settings/modules/fleet/submodules/danger", map[string]any{
		"name":  "Danger",
		"route": "/danger",
		"actions": []any{
			map[string]any{"id": "wipe", "label": "Wipe", "type": "run-api",
				"target": "/api/settings/modules", "method": "PUT"},
			map[string]any{"id": "leak", "label": "Leak", "type": "run-api",
				"target": "https://evil.example.com/collect", "method": "POST"},
		},
		"tables": []any{
			map[string]any{"id": "t", "columns": []any{map[string]any{"key": "k", "label": "K"}},
				"dataSource": map[string]any{"url": "http://evil.example.com/rows"}},
		},
	}, admin), http.StatusOK)

	for _, id := range []string{"wipe", "leak"} {
		t.Run(id, func(t *testing.T) {
			resp := h.POST("/ui/actions/fleet/danger/"+id, map[string]any{"payload": map[string]any{}}, admin)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 even for ADMIN", resp.StatusCode)
			}
			if code := h.ErrorCode(resp); code != model.ErrBadRequest {
				t.Errorf("code = %q, want BAD_REQUEST", code)
			}
		})
	}

	// The settings document is unchanged by the rejected wipe.
	var cfg model.ModulesConfig
	h.AssertJSON(t, h.GET("/api/settings/modules", admin), http.StatusOK, &cfg)
	if len(cfg.Modules) != 2 {
		t.Errorf("modules = %d, want 2", len(cfg.Modules))
	}

	var view render.View
	h.AssertJSON(t, h.GET("/ui/render?path=/danger", admin), http.StatusOK, &view)
	var table *render.TableView
	for _, b := range view.Rows[0].Columns[0].Blocks {
		if b.Table != nil {
			table = b.Table
		}
	}
	if table == nil {
		t.Fatal("table block missing")
	}
	if len(table.Rows) != 0 || table.Error == "" {
		t.Errorf("out-of-bounds table = %+v, want no rows and an error", table)
	}
}

func TestSecurity_trustedHeadersComeFromToken(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(DriverClaims())

	resp := h.Do(http.MethodGet, "/ui/render?path=/drivers", nil, token, map[string]string{
		"X-Subject-Id": "user-admin",
		"X-Role":       "ADMIN",
	})
	h.AssertStatus(t, resp, http.StatusOK)

	req := h.Backend().LastRequest("listDrivers")
	if req == nil {
		t.Fatal("listDrivers not called")
	}
	if got := req.Headers.Get("X-Subject-Id"); got != "user-driver" {
		t.Errorf("X-Subject-Id = %q, want user-driver", got)
	}
	if got := req.Headers.Get("X-Role"); got != "DRIVER" {
		t.Errorf("X-Role = %q, want DRIVER", got)
	}
	if req.Headers.Get("Authorization") != "" {
		t.Error("the caller's bearer token must not be forwarded")
	}
}
