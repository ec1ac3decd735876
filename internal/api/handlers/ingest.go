package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convodeck/convodeck/backend/internal/dataset"
	"github.com/convodeck/convodeck/backend/internal/retrieval"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// textContentTypes are the document types ingested as plain text. Anything
// else is rejected before processing.
var textContentTypes = map[string]bool{
	"text/plain":       true,
	"text/markdown":    true,
	"text/csv":         true,
	"application/json": true,
}

// ── Documents ───────────────────────────────────────────────

func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	docs, err := h.Store.ListDocuments(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

// UploadDocument ingests a multipart file into the agent's retrieval
// collection. The size cap is enforced before any chunking or embedding.
func (h *Handlers) UploadDocument(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	data, filename, contentType, err := h.readUpload(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if base := strings.Split(contentType, ";")[0]; !textContentTypes[strings.TrimSpace(base)] {
		respondStoreError(w, &models.ValidationError{Field: "file", Reason: "unsupported content type " + contentType})
		return
	}

	doc := &models.Document{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		Workspace:   agent.Workspace,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}

	pages := []retrieval.Page{{Number: 1, Text: string(data)}}
	chunks, err := h.Retrieval.AddDocument(r.Context(), agent.ID, doc.ID, filename, pages)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	doc.ChunkCount = chunks

	if err := h.Store.CreateDocument(r.Context(), doc); err != nil {
		// Vectors are in but the record write failed. Try to undo; if that
		// also fails the stores have diverged and we can only report it.
		if verr := h.Retrieval.DeleteDocument(r.Context(), agent.ID, doc.ID); verr != nil {
			incErr := &models.InconsistencyError{Detail: "document " + doc.ID + " has vectors but no record"}
			log.Error().Err(verr).Str("doc_id", doc.ID).Msg(incErr.Error())
		}
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, doc)
}

// DeleteDocument removes the record first, then the vectors. A vector
// failure after the record delete is logged as an inconsistency and the
// request still succeeds; there is no cross-store rollback.
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	docID := chi.URLParam(r, "docID")
	doc, err := h.Store.GetDocument(r.Context(), docID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if doc.AgentID != agent.ID {
		respondStoreError(w, &store.ErrNotFound{Entity: "document", Key: docID})
		return
	}

	if err := h.Store.DeleteDocument(r.Context(), docID); err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.Retrieval.DeleteDocument(r.Context(), agent.ID, docID); err != nil {
		incErr := &models.InconsistencyError{Detail: "document " + docID + " record deleted but vectors remain"}
		log.Error().Err(err).Str("doc_id", docID).Str("agent_id", agent.ID).Msg(incErr.Error())
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Datasets ────────────────────────────────────────────────

func (h *Handlers) ListDatasets(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	datasets, err := h.Store.ListDatasets(r.Context(), agent.ID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if datasets == nil {
		datasets = []models.Dataset{}
	}
	respondJSON(w, http.StatusOK, datasets)
}

// UploadDataset stores a CSV upload on disk, loads it into its own query
// engine, and records the dataset with its cached schema description.
func (h *Handlers) UploadDataset(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	data, filename, _, err := h.readUpload(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		respondStoreError(w, &models.ValidationError{Field: "file", Reason: "datasets must be CSV files"})
		return
	}

	datasetID := uuid.NewString()
	name := dataset.SanitizeTableName(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))

	dir := filepath.Join(h.Config.Uploads.FileDir, agent.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		respondError(w, http.StatusInternalServerError, "store upload: "+err.Error())
		return
	}
	path := filepath.Join(dir, datasetID+".csv")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		respondError(w, http.StatusInternalServerError, "store upload: "+err.Error())
		return
	}

	schema, err := h.Datasets.Register(r.Context(), datasetID, name, path)
	if err != nil {
		os.Remove(path)
		respondStoreError(w, err)
		return
	}

	ds := &models.Dataset{
		ID:        datasetID,
		AgentID:   agent.ID,
		Workspace: agent.Workspace,
		Name:      name,
		Filename:  filename,
		Path:      path,
		Schema:    schema,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateDataset(r.Context(), ds); err != nil {
		h.Datasets.Unregister(datasetID)
		os.Remove(path)
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, ds)
}

func (h *Handlers) DatasetSchema(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	ds, err := h.Store.GetDatasetByName(r.Context(), agent.ID, chi.URLParam(r, "name"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"name": ds.Name, "schema": ds.Schema})
}

func (h *Handlers) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agentInWorkspace(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	ds, err := h.Store.GetDatasetByName(r.Context(), agent.ID, chi.URLParam(r, "name"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if err := h.Store.DeleteDataset(r.Context(), ds.ID); err != nil {
		respondStoreError(w, err)
		return
	}
	h.Datasets.Unregister(ds.ID)
	if err := os.Remove(ds.Path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", ds.Path).Msg("Dataset file removal failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

// readUpload pulls the "file" part out of a multipart request, enforcing
// the configured size cap before reading the body into memory.
func (h *Handlers) readUpload(r *http.Request) (data []byte, filename, contentType string, err error) {
	maxBytes := h.Config.Uploads.MaxFileBytes
	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes+1)
	if err := r.ParseMultipartForm(maxBytes + 1); err != nil {
		return nil, "", "", &models.ErrFileTooLarge{SizeBytes: r.ContentLength, MaxBytes: maxBytes}
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", "", &models.ValidationError{Field: "file", Reason: "multipart field \"file\" is required"}
	}
	defer file.Close()

	if header.Size > maxBytes {
		return nil, "", "", &models.ErrFileTooLarge{SizeBytes: header.Size, MaxBytes: maxBytes}
	}
	data, err = io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, "", "", err
	}
	if int64(len(data)) > maxBytes {
		return nil, "", "", &models.ErrFileTooLarge{SizeBytes: int64(len(data)), MaxBytes: maxBytes}
	}
	return data, header.Filename, header.Header.Get("Content-Type"), nil
}
