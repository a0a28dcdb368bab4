// Package resolver turns declarative data sources into calls against the
// internal API and extracts the values tables and metrics display.
package resolver

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/pitabwire/modulus/model"
)

// Boundary is the allow-list every configuration-driven outbound call must
// pass: targets must live under the internal API root and never under the
// settings sub-tree, whatever the caller's role.
type Boundary struct {
	apiRoot      string
	settingsRoot string
}

// NewBoundary creates a boundary for the given roots, e.g. "/api" and
// "/api/settings".
func NewBoundary(apiRoot, settingsRoot string) *Boundary {
	return &Boundary{
		apiRoot:      cleanRoot(apiRoot),
		settingsRoot: cleanRoot(settingsRoot),
	}
}

func cleanRoot(root string) string {
	if root == "" {
		return "/"
	}
	return path.Clean("/" + strings.Trim(root, "/"))
}

// Target is a checked internal API path with its query.
type Target struct {
	Path  string
	Query url.Values
}

// String renders the target as a request URI.
func (t Target) String() string {
	if len(t.Query) == 0 {
		return t.Path
	}
	return t.Path + "?" + t.Query.Encode()
}

// WithParams returns a copy of t whose query also carries params, applied in
// order so later sets override earlier keys. Lists become repeated values and
// nulls are skipped.
func (t Target) WithParams(params ...map[string]model.Value) Target {
	q := url.Values{}
	for k, vs := range t.Query {
		q[k] = append([]string(nil), vs...)
	}
	for _, p := range params {
		addQuery(q, p)
	}
	t.Query = q
	return t
}

// Check validates raw and returns the canonical target. Absolute URLs,
// scheme-relative URLs, dot segments, and anything outside the API root or
// inside the settings root are rejected with BAD_REQUEST.
func (b *Boundary) Check(raw string) (Target, error) {
	reject := func(reason string) (Target, error) {
		return Target{}, model.NewBadRequestError(fmt.Sprintf("target %q is not allowed: %s", raw, reason))
	}

	if raw == "" {
		return reject("empty target")
	}
	if strings.ContainsAny(raw, "\\\r\n") {
		return reject("invalid characters")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reject("malformed URL")
	}
	if u.Scheme != "" || u.Host != "" || u.User != nil || u.Opaque != "" {
		return reject("only internal API paths may be called")
	}
	if !strings.HasPrefix(u.Path, "/") {
		return reject("path must be absolute")
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == ".." || seg == "." {
			return reject("dot segments are not allowed")
		}
	}

	clean := path.Clean(u.Path)
	if !within(clean, b.apiRoot) {
		return reject("outside the internal API root")
	}
	if within(strings.ToLower(clean), strings.ToLower(b.settingsRoot)) {
		return reject("settings endpoints are never reachable from configuration")
	}

	return Target{Path: clean, Query: u.Query()}, nil
}

// Allowed reports whether raw passes Check.
func (b *Boundary) Allowed(raw string) bool {
	_, err := b.Check(raw)
	return err == nil
}

func within(p, root string) bool {
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}
