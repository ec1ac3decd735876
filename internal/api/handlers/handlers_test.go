package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convodeck/convodeck/backend/internal/api"
	"github.com/convodeck/convodeck/backend/internal/api/handlers"
	"github.com/convodeck/convodeck/backend/internal/config"
	"github.com/convodeck/convodeck/backend/internal/dataset"
	"github.com/convodeck/convodeck/backend/internal/dispatch"
	"github.com/convodeck/convodeck/backend/internal/guardrails"
	"github.com/convodeck/convodeck/backend/internal/history"
	"github.com/convodeck/convodeck/backend/internal/retrieval"
	modelrouter "github.com/convodeck/convodeck/backend/internal/router"
	"github.com/convodeck/convodeck/backend/internal/store"
	"github.com/convodeck/convodeck/backend/internal/vectorstore"
	"github.com/convodeck/convodeck/backend/internal/workflow"
	"github.com/convodeck/convodeck/backend/pkg/models"
)

// scriptedDriver replays canned completions in order.
type scriptedDriver struct {
	mu      sync.Mutex
	replies []string
}

func (d *scriptedDriver) Kind() string { return "scripted" }

func (d *scriptedDriver) Complete(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.replies) == 0 {
		return nil, fmt.Errorf("no scripted reply left")
	}
	reply := d.replies[0]
	d.replies = d.replies[1:]
	return &models.CompletionResponse{Content: reply, Model: req.Model}, nil
}

func (d *scriptedDriver) HealthCheck(context.Context) error { return nil }

// fakeEmbedder produces tiny deterministic vectors without any network.
type fakeEmbedder struct{}

func (fakeEmbedder) Kind() string    { return "fake" }
func (fakeEmbedder) Dimensions() int { return 3 }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		var r rune = 'x'
		for _, c := range t {
			r = c
			break
		}
		out[i] = []float64{float64(r%17) + 1, float64(len(t)%7) + 1, 1}
	}
	return out, nil
}

func (fakeEmbedder) HealthCheck(context.Context) error { return nil }

type fixture struct {
	handler http.Handler
	store   store.Store
	driver  *scriptedDriver
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("CONVODECK_DATA_DIR", t.TempDir())
	t.Setenv("CONVODECK_API_KEYS", "")

	cfg := config.Load()
	cfg.Uploads.FileDir = t.TempDir()

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	retrievalSvc := retrieval.NewService(vectorstore.NewEmbeddedStore(), fakeEmbedder{}, retrieval.DefaultChunkerConfig(), 4)
	datasetEngine := dataset.NewEngine(cfg.Uploads.MaxFileBytes)
	t.Cleanup(datasetEngine.Close)

	driver := &scriptedDriver{}
	mr := modelrouter.NewModelRouter(modelrouter.WithInitialBackoff(time.Millisecond))
	mr.RegisterDriver(driver)

	guard, err := guardrails.New(1000, nil)
	require.NoError(t, err)

	wf := workflow.NewEngine(s, mr, retrievalSvc, datasetEngine, guard, workflow.Config{})
	recorder := history.NewRecorder(s)
	telegram := dispatch.NewTelegramDriver()
	dispatcher := dispatch.NewDispatcher(s, wf, recorder)
	dispatcher.RegisterChannel(telegram)
	dispatcher.RegisterChannel(dispatch.NewAPIDriver())
	dispatcher.RegisterChannel(dispatch.NewWhatsAppDriver())

	h := handlers.New(s, dispatcher, recorder, retrievalSvc, datasetEngine, telegram, cfg)
	return &fixture{handler: api.NewRouter(cfg, h), store: s, driver: driver, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createAgent(t *testing.T, body map[string]interface{}) models.Agent {
	t.Helper()
	if body == nil {
		body = map[string]interface{}{
			"name": "Helper", "kind": "data-analyst",
			"provider": "scripted", "model": "test-model",
		}
	}
	rec := f.do(t, http.MethodPost, "/api/v1/agents", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var agent models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	return agent
}

func multipartBody(t *testing.T, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, path, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := multipartBody(t, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", formType)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const problemReply = `{"problem":"a question","problem_solving":"answer it"}`

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)

	agent := f.createAgent(t, nil)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, models.AgentStatusActive, agent.Status)
	assert.Equal(t, "default", agent.Workspace)

	rec := f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	update := map[string]interface{}{
		"name": "Helper", "kind": "data-analyst", "provider": "scripted",
		"model": "test-model", "tone": "formal",
	}
	rec = f.do(t, http.MethodPut, "/api/v1/agents/"+agent.ID, update, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, models.ToneFormal, updated.Tone)
	assert.Equal(t, agent.ID, updated.ID)

	rec = f.do(t, http.MethodDelete, "/api/v1/agents/"+agent.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAgentValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"provider": "scripted", "model": "test-model",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"name": "X", "provider": "scripted", "model": "test-model", "kind": "fortune-teller",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWorkspaceIsolation(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID, nil, map[string]string{"X-Workspace": "tenant-b"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/agents", nil, map[string]string{"X-Workspace": "tenant-b"})
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []models.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	assert.Empty(t, agents)
}

func TestInvokeRunsTurn(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)
	f.driver.replies = []string{problemReply, "the final answer"}

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/invoke",
		map[string]interface{}{"message": "what is up?"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result models.DispatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Delivered)
	assert.True(t, result.Turn.Success)
	assert.Equal(t, "the final answer", result.Turn.Response)

	rec = f.do(t, http.MethodGet, "/api/v1/threads/"+agent.ID+":api-client/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var th history.ThreadHistory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &th))
	require.Len(t, th.Messages, 1)
	assert.Equal(t, "what is up?", th.Messages[0].UserMessage)
}

func TestInvokeRequiresAgentKeyWhenConfigured(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/keys", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var key models.APIKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	assert.NotEmpty(t, key.Key)

	rec = f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/invoke",
		map[string]interface{}{"message": "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.driver.replies = []string{problemReply, "authorized answer"}
	rec = f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/invoke",
		map[string]interface{}{"message": "hi"}, map[string]string{"X-API-Key": key.Key})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDocumentUploadAndDelete(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, map[string]interface{}{
		"name": "Reader", "kind": "simple-rag", "provider": "scripted", "model": "test-model",
	})

	rec := f.upload(t, "/api/v1/agents/"+agent.ID+"/documents", "faq.txt", "text/plain",
		[]byte("Returns are accepted within 30 days of purchase."))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Greater(t, doc.ChunkCount, 0)

	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/documents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	assert.Len(t, docs, 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/agents/"+agent.ID+"/documents/"+doc.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/documents", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	assert.Empty(t, docs)
}

func TestDocumentUploadRejectsOversized(t *testing.T) {
	f := newFixture(t)
	f.cfg.Uploads.MaxFileBytes = 64
	agent := f.createAgent(t, nil)

	rec := f.upload(t, "/api/v1/agents/"+agent.ID+"/documents", "big.txt", "text/plain",
		bytes.Repeat([]byte("a"), 200))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDocumentUploadRejectsBinary(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)

	rec := f.upload(t, "/api/v1/agents/"+agent.ID+"/documents", "img.png", "image/png", []byte{0x89, 0x50})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDatasetUploadSchemaAndDelete(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)

	csv := "order_id,customer,amount\n1,alice,19.99\n2,bob,5.50\n"
	rec := f.upload(t, "/api/v1/agents/"+agent.ID+"/datasets", "Orders 2024.csv", "text/csv", []byte(csv))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ds models.Dataset
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ds))
	assert.Equal(t, "orders_2024", ds.Name)
	assert.Contains(t, ds.Schema, "Table: orders_2024")

	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/datasets/orders_2024/schema", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "order_id")

	rec = f.do(t, http.MethodDelete, "/api/v1/agents/"+agent.ID+"/datasets/orders_2024", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+agent.ID+"/datasets/orders_2024/schema", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDatasetUploadRejectsNonCSV(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)

	rec := f.upload(t, "/api/v1/agents/"+agent.ID+"/datasets", "notes.txt", "text/plain", []byte("x"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCompanyRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/v1/company", map[string]interface{}{
		"name": "Acme Retail", "address": "1 Main St",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/company", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info models.CompanyInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Acme Retail", info.Name)
}

func TestDashboardReflectsRecordedTurns(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)
	f.driver.replies = []string{problemReply, "answer"}

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/invoke",
		map[string]interface{}{"message": "hello"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/dashboard/overview", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var overview models.DashboardOverview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Equal(t, 1, overview.TotalConversations)
	assert.Equal(t, 1, overview.ActiveAgents)
	assert.Greater(t, overview.TokenUsage, int64(0))

	rec = f.do(t, http.MethodGet, "/api/v1/dashboard/usage", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage []models.AgentTokenUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	require.Len(t, usage, 1)
	assert.Equal(t, agent.ID, usage[0].AgentID)
}

func TestIntegrationValidation(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/integrations",
		map[string]interface{}{"channel": "carrier-pigeon"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/agents/"+agent.ID+"/integrations",
		map[string]interface{}{"channel": "telegram"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = f.do(t, http.MethodGet, "/version", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
