package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memnet-ai/memnet/internal/memory"
	"github.com/memnet-ai/memnet/internal/vectorstore"
)

// fakeService records calls and returns canned data.
type fakeService struct {
	addResp    *memory.AddResponse
	addErr     error
	searchResp []vectorstore.SearchResult
	item       *vectorstore.MemoryItem
	items      []vectorstore.MemoryItem
	updateOK   bool

	lastAdd     memory.AddRequest
	lastSearch  memory.SearchRequest
	lastUserID  string
	lastLimit   int
	deletedID   string
	deletedUser string
}

func (f *fakeService) Add(_ context.Context, req memory.AddRequest) (*memory.AddResponse, error) {
	f.lastAdd = req
	return f.addResp, f.addErr
}

func (f *fakeService) Search(_ context.Context, req memory.SearchRequest) ([]vectorstore.SearchResult, error) {
	f.lastSearch = req
	return f.searchResp, nil
}

func (f *fakeService) Update(_ context.Context, id, content string) (bool, error) {
	return f.updateOK, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*vectorstore.MemoryItem, error) {
	return f.item, nil
}

func (f *fakeService) GetAll(_ context.Context, userID string, limit int) ([]vectorstore.MemoryItem, error) {
	f.lastUserID = userID
	f.lastLimit = limit
	return f.items, nil
}

func (f *fakeService) Delete(_ context.Context, id string) error {
	f.deletedID = id
	return nil
}

func (f *fakeService) DeleteAll(_ context.Context, userID string) error {
	f.deletedUser = userID
	return nil
}

func newTestServer(f *fakeService) *httptest.Server {
	return httptest.NewServer(NewServer(f, nil))
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAddEndpoint(t *testing.T) {
	f := &fakeService{addResp: &memory.AddResponse{Results: []memory.MemoryResult{
		{ID: "m1", Memory: "User likes tea.", Event: memory.EventAdd},
	}}}
	srv := newTestServer(f)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/memories",
		`{"messages":[{"role":"user","content":"I like tea."}],"userId":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "add", results[0].(map[string]interface{})["event"])
	assert.Equal(t, "u1", f.lastAdd.UserID)
	require.Len(t, f.lastAdd.Messages, 1)
}

func TestAddRejectsEmptyMessages(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/memories", `{"messages":[],"userId":"u1"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/memories", `{"mesages":[{"role":"user","content":"x"}]}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEndpoint(t *testing.T) {
	now := time.Now().UTC()
	f := &fakeService{searchResp: []vectorstore.SearchResult{
		{Item: vectorstore.MemoryItem{ID: "m1", Data: "User likes tea.", UserID: "u1", CreatedAt: now}, Score: 0.91},
	}}
	srv := newTestServer(f)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/search", `{"query":"tea","userId":"u1","limit":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	results := body["results"].([]interface{})
	require.Len(t, results, 1)
	hit := results[0].(map[string]interface{})
	assert.Equal(t, "User likes tea.", hit["memory"])
	assert.InDelta(t, 0.91, hit["score"].(float64), 1e-9)
	assert.Equal(t, 5, f.lastSearch.Limit)
}

func TestSearchRequiresQuery(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/search", `{"userId":"u1"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetEndpoint(t *testing.T) {
	f := &fakeService{item: &vectorstore.MemoryItem{ID: "m1", Data: "User likes tea."}}
	srv := newTestServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/memories/m1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "User likes tea.", body["data"])
}

func TestGetMissingReturns404(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/memories/absent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEndpointPassesFilters(t *testing.T) {
	f := &fakeService{items: []vectorstore.MemoryItem{{ID: "m1"}}}
	srv := newTestServer(f)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/memories?userId=u1&limit=3")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, "u1", f.lastUserID)
	assert.Equal(t, 3, f.lastLimit)
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
	} else {
		req, err = http.NewRequest(method, url, nil)
	}
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestUpdateEndpoint(t *testing.T) {
	srv := newTestServer(&fakeService{updateOK: true})
	defer srv.Close()

	resp := doRequest(t, http.MethodPatch, srv.URL+"/v1/memories/m1", `{"data":"revised"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpdateMissingReturns404(t *testing.T) {
	srv := newTestServer(&fakeService{updateOK: false})
	defer srv.Close()

	resp := doRequest(t, http.MethodPatch, srv.URL+"/v1/memories/absent", `{"data":"revised"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteEndpoints(t *testing.T) {
	f := &fakeService{}
	srv := newTestServer(f)
	defer srv.Close()

	resp := doRequest(t, http.MethodDelete, srv.URL+"/v1/memories/m1", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "m1", f.deletedID)

	resp = doRequest(t, http.MethodDelete, srv.URL+"/v1/memories?userId=u1", "")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "u1", f.deletedUser)
}

func TestDeleteAllRequiresUserID(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp := doRequest(t, http.MethodDelete, srv.URL+"/v1/memories", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackendErrorMapsToBadGateway(t *testing.T) {
	f := &fakeService{addErr: &vectorstore.ProtocolError{Backend: "qdrant", Status: 500, Body: "boom"}}
	srv := newTestServer(f)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/memories", `{"messages":[{"role":"user","content":"x"}]}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(&fakeService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
