package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/models"
	"github.com/harmony-eo/harmony/internal/objectstore"
	"github.com/harmony-eo/harmony/internal/orchestrator"
	"github.com/harmony-eo/harmony/internal/queue"
	"github.com/harmony-eo/harmony/internal/storage/sqlite"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	config := common.NewDefaultConfig()
	config.Database.Path = dir + "/harmony.db"
	config.Queue.Provider = "sqlite"
	config.ObjectStore.Root = dir + "/artifacts"

	logger := arbor.NewLogger()

	db, err := sqlite.NewSQLiteDB(logger, &config.Database)
	require.NoError(t, err)
	store := sqlite.NewManager(db, logger)

	queues, err := queue.NewProvider(config, db.DB(), logger)
	require.NoError(t, err)

	objects, err := objectstore.NewFilesystemStore(&config.ObjectStore, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		objects.Close()
		queues.Close()
		store.Close()
	})

	jobs := orchestrator.NewJobService(store, queues, config, logger)
	dispatcher := orchestrator.NewDispatcher(store, queues, config, logger)
	updates := orchestrator.NewUpdateProcessor(store, queues, objects, config, logger)
	return New(config, logger, jobs, dispatcher, updates)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.withMiddleware(s.router).ServeHTTP(rec, req)
	return rec
}

func createTestJob(t *testing.T, s *Server) *models.Job {
	t.Helper()

	rec := doRequest(t, s, "POST", "/jobs", map[string]any{
		"username":         "jdoe",
		"request":          "https://example.com/ogc-api-coverages",
		"numInputGranules": 2,
		"steps": []map[string]any{
			{
				"serviceID":       "harmony/query-cmr",
				"operation":       map[string]any{"collection": "C1"},
				"isInputProducer": true,
			},
			{
				"serviceID": "harmony/subsetter",
				"operation": map[string]any{"format": "application/x-zarr"},
			},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return &job
}

func TestHealthEndpoint(t *testing.T) {
	s := setupTestServer(t)

	rec := doRequest(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateJobEndpoint(t *testing.T) {
	s := setupTestServer(t)

	job := createTestJob(t, s)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, "jdoe", job.Username)
}

func TestCreateJobEndpoint_BadRequest(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest("POST", "/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.withMiddleware(s.router).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Valid JSON but no username.
	rec = doRequest(t, s, "POST", "/jobs", map[string]any{
		"steps": []map[string]any{{"serviceID": "harmony/subsetter"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsEndpoint(t *testing.T) {
	s := setupTestServer(t)
	createTestJob(t, s)

	rec := doRequest(t, s, "GET", "/jobs?username=jdoe&status=running,previewing", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Jobs  []*models.Job `json:"jobs"`
		Total int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Total)
	require.Len(t, listing.Jobs, 1)

	rec = doRequest(t, s, "GET", "/jobs?username=someone-else", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 0, listing.Total)
	assert.NotNil(t, listing.Jobs, "empty listings marshal as [], not null")
}

func TestGetJobEndpoint(t *testing.T) {
	s := setupTestServer(t)
	job := createTestJob(t, s)

	rec := doRequest(t, s, "GET", "/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, job.ID, fetched.ID)

	rec = doRequest(t, s, "GET", "/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobEndpoint(t *testing.T) {
	s := setupTestServer(t)
	job := createTestJob(t, s)

	rec := doRequest(t, s, "POST", "/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var canceled models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canceled))
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)
	assert.Equal(t, "Canceled by user", canceled.Message)

	// A second cancel conflicts with the terminal state.
	rec = doRequest(t, s, "POST", "/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelJobEndpoint_Admin(t *testing.T) {
	s := setupTestServer(t)
	job := createTestJob(t, s)

	rec := doRequest(t, s, "POST", "/jobs/"+job.ID+"/cancel?admin=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var canceled models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &canceled))
	assert.Equal(t, "Canceled by admin", canceled.Message)
}

func TestPauseResumeEndpoints(t *testing.T) {
	s := setupTestServer(t)
	job := createTestJob(t, s)

	rec := doRequest(t, s, "POST", "/jobs/"+job.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paused models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	assert.Equal(t, models.JobStatusPaused, paused.Status)

	rec = doRequest(t, s, "POST", "/jobs/"+job.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resumed models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, models.JobStatusRunning, resumed.Status)
}

func TestSkipPreviewEndpoint(t *testing.T) {
	s := setupTestServer(t)
	job := createTestJob(t, s)

	require.Equal(t, http.StatusOK,
		doRequest(t, s, "POST", "/jobs/"+job.ID+"/pause", nil).Code)

	rec := doRequest(t, s, "POST", "/jobs/"+job.ID+"/skip-preview",
		map[string]string{"accessToken": "fresh-token"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resumed models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resumed))
	assert.Equal(t, models.JobStatusRunning, resumed.Status)
}

func TestUnknownJobAction(t *testing.T) {
	s := setupTestServer(t)
	job := createTestJob(t, s)

	rec := doRequest(t, s, "POST", "/jobs/"+job.ID+"/restart", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := setupTestServer(t)

	rec := doRequest(t, s, "DELETE", "/jobs", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = doRequest(t, s, "POST", "/work", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGetWorkEndpoint(t *testing.T) {
	s := setupTestServer(t)

	rec := doRequest(t, s, "GET", "/work", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "serviceID is required")

	rec = doRequest(t, s, "GET", "/work?serviceID=harmony/query-cmr", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no work yet")

	createTestJob(t, s)

	rec = doRequest(t, s, "GET", "/work?serviceID=harmony/query-cmr", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var msg models.WorkMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.NotNil(t, msg.WorkItem)
	assert.Equal(t, models.WorkItemStatusRunning, msg.WorkItem.Status)
	assert.NotZero(t, msg.MaxCatalogGranules)

	// The single seeded item is claimed; the next poll comes back empty.
	rec = doRequest(t, s, "GET", "/work?serviceID=harmony/query-cmr", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateWorkEndpoint(t *testing.T) {
	s := setupTestServer(t)
	createTestJob(t, s)

	rec := doRequest(t, s, "GET", "/work?serviceID=harmony/query-cmr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg models.WorkMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))

	path := fmt.Sprintf("/work/%d", msg.WorkItem.ID)
	rec = doRequest(t, s, "PUT", path, map[string]any{
		"status":  "successful",
		"results": []string{"file://cat0.json"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUpdateWorkEndpoint_Errors(t *testing.T) {
	s := setupTestServer(t)
	createTestJob(t, s)

	rec := doRequest(t, s, "GET", "/work?serviceID=harmony/query-cmr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msg models.WorkMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	path := fmt.Sprintf("/work/%d", msg.WorkItem.ID)

	rec = doRequest(t, s, "PUT", "/work/not-a-number", map[string]any{"status": "successful"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, "PUT", "/work/99999", map[string]any{"status": "successful"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, "PUT", path, map[string]any{"status": "running"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "only terminal statuses may be reported")

	req := httptest.NewRequest("PUT", path, bytes.NewBufferString("{not json"))
	rw := httptest.NewRecorder()
	s.withMiddleware(s.router).ServeHTTP(rw, req)
	assert.Equal(t, http.StatusBadRequest, rw.Code)
}
