package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/modulus/internal/store"
	"github.com/pitabwire/modulus/model"
)

const maxBodyBytes = 4 << 20

// HeaderConfigRevision carries the module document revision on every
// settings response.
const HeaderConfigRevision = "X-Config-Revision"

func (h *handlers) getModules(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.Load(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	writeDocument(w, http.StatusOK, doc)
}

func (h *handlers) replaceModules(w http.ResponseWriter, r *http.Request) {
	expect, ok := expectedRevision(w, r)
	if !ok {
		return
	}
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	cfg, err := model.ParseModulesConfig(data)
	if err != nil {
		WriteError(w, model.NewBadRequestError("invalid module document: "+err.Error()))
		return
	}
	doc, err := h.store.Save(r.Context(), cfg, expect)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeDocument(w, http.StatusOK, doc)
}

func (h *handlers) upsertModule(w http.ResponseWriter, r *http.Request) {
	expect, ok := expectedRevision(w, r)
	if !ok {
		return
	}
	moduleID := chi.URLParam(r, "moduleId")
	var patch store.ModulePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.ID != "" && patch.ID != moduleID {
		WriteError(w, model.NewBadRequestError(fmt.Sprintf("body id %q does not match path id %q", patch.ID, moduleID)))
		return
	}
	patch.ID = moduleID

	doc, err := h.store.UpsertModule(r.Context(), patch, expect)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeDocument(w, http.StatusOK, doc)
}

func (h *handlers) deleteModule(w http.ResponseWriter, r *http.Request) {
	expect, ok := expectedRevision(w, r)
	if !ok {
		return
	}
	doc, err := h.store.DeleteModule(r.Context(), chi.URLParam(r, "moduleId"), expect)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeDocument(w, http.StatusOK, doc)
}

func (h *handlers) upsertSubmodule(w http.ResponseWriter, r *http.Request) {
	expect, ok := expectedRevision(w, r)
	if !ok {
		return
	}
	moduleID := chi.URLParam(r, "moduleId")
	subID := chi.URLParam(r, "submoduleId")
	var patch store.SubmodulePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.ID != "" && patch.ID != subID {
		WriteError(w, model.NewBadRequestError(fmt.Sprintf("body id %q does not match path id %q", patch.ID, subID)))
		return
	}
	patch.ID = subID

	doc, err := h.store.UpsertSubmodule(r.Context(), moduleID, patch, expect)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeDocument(w, http.StatusOK, doc)
}

func (h *handlers) deleteSubmodule(w http.ResponseWriter, r *http.Request) {
	expect, ok := expectedRevision(w, r)
	if !ok {
		return
	}
	doc, err := h.store.DeleteSubmodule(r.Context(), chi.URLParam(r, "moduleId"), chi.URLParam(r, "submoduleId"), expect)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeDocument(w, http.StatusOK, doc)
}

func (h *handlers) createBackup(w http.ResponseWriter, r *http.Request) {
	name, err := h.store.CreateBackup(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (h *handlers) listBackups(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListBackups(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string][]string{"backups": names})
}

func (h *handlers) getBackup(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetBackup(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

func (h *handlers) restoreBackup(w http.ResponseWriter, r *http.Request) {
	expect, ok := expectedRevision(w, r)
	if !ok {
		return
	}
	doc, err := h.store.RestoreBackup(r.Context(), chi.URLParam(r, "name"), expect)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeDocument(w, http.StatusOK, doc)
}

// writeDocument writes the full document, which clients treat as
// authoritative, with its revision in ETag and X-Config-Revision.
func writeDocument(w http.ResponseWriter, status int, doc store.Document) {
	rev := strconv.FormatUint(uint64(doc.Revision), 10)
	w.Header().Set("ETag", `"`+rev+`"`)
	w.Header().Set(HeaderConfigRevision, rev)
	WriteJSON(w, status, doc.Config)
}

// expectedRevision parses If-Match. An absent header or "*" means the write
// is unconditional.
func expectedRevision(w http.ResponseWriter, r *http.Request) (store.Revision, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return store.AnyRevision, true
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		WriteError(w, model.NewBadRequestError("If-Match must be a document revision"))
		return 0, false
	}
	return store.Revision(n), true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, model.NewBadRequestError("request body is unreadable or too large"))
		return nil, false
	}
	return data, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	data, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, into); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}
