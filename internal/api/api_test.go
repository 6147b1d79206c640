package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewRouter(st, Options{}), st
}

func seedGroups(t *testing.T, st store.Store) *store.UpsertResult {
	t.Helper()
	res, err := st.UpsertGroups(context.Background(), []model.ResolvedGroup{
		{
			Names:            []string{"acme corp", "acme corporation"},
			Representative:   "Acme Corporation",
			OrganisationType: "company",
			Confidence:       model.ConfidenceSure,
			Items: []model.Item{
				{OrgName: "acme corporation", UniqueID: "1", Dataset: "a"},
				{OrgName: "acme corp", UniqueID: "2", Dataset: "b"},
			},
		},
		{
			Names:          []string{"beta inst", "beta institute"},
			Representative: "Beta Institute",
			Confidence:     model.ConfidenceSure,
			Items: []model.Item{
				{OrgName: "beta institute", UniqueID: "3", Dataset: "a"},
				{OrgName: "beta inst", UniqueID: "4", Dataset: "c"},
			},
		},
	})
	require.NoError(t, err)
	return res
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h, st := newTestServer(t)
	seedGroups(t, st)

	rr := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["groups"])
}

func TestListGroups(t *testing.T) {
	h, st := newTestServer(t)
	seedGroups(t, st)

	rr := get(t, h, "/groups")
	require.Equal(t, http.StatusOK, rr.Code)
	var groups []model.EntityGroup
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &groups))
	assert.Len(t, groups, 2)

	rr = get(t, h, "/groups?q=beta")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "Beta Institute", groups[0].Name)

	rr = get(t, h, "/groups?limit=1&offset=1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "Beta Institute", groups[0].Name)
}

func TestListGroupsEmptyIsArray(t *testing.T) {
	h, _ := newTestServer(t)

	rr := get(t, h, "/groups")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestListGroupsBadPaging(t *testing.T) {
	h, _ := newTestServer(t)

	for _, target := range []string{"/groups?limit=abc", "/groups?limit=0", "/groups?offset=-1"} {
		rr := get(t, h, target)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
		assert.Contains(t, rr.Body.String(), "error", target)
	}
}

func TestGetGroup(t *testing.T) {
	h, st := newTestServer(t)
	res := seedGroups(t, st)
	id := res.Groups[0].ID

	rr := get(t, h, "/groups/"+id)
	require.Equal(t, http.StatusOK, rr.Code)
	var g model.EntityGroup
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &g))
	assert.Equal(t, id, g.ID)
	assert.Equal(t, "company", g.OrganisationType)
	assert.Len(t, g.Items, 2)

	rr = get(t, h, "/groups/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestExport(t *testing.T) {
	h, st := newTestServer(t)
	res := seedGroups(t, st)

	rr := get(t, h, "/export")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var artifact map[string]struct {
		Name  string       `json:"name"`
		Items []model.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &artifact))
	require.Contains(t, artifact, res.Groups[0].ID)
	assert.Equal(t, "Acme Corporation", artifact[res.Groups[0].ID].Name)

	rr = get(t, h, "/export?format=csv")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "groups.csv")
	assert.Contains(t, rr.Body.String(), "group_id,name,organisation_type")

	rr = get(t, h, "/export?format=parquet")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRuns(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()
	run, err := st.CreateRun(ctx, 0.5, model.DataModeAll)
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, run.ID, &model.RunReport{RunID: run.ID, Records: 3}))

	rr := get(t, h, "/runs")
	require.Equal(t, http.StatusOK, rr.Code)
	var runs []model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)

	rr = get(t, h, "/runs?status=failed")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = get(t, h, "/runs/"+run.ID)
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.NotNil(t, got.Report)
	assert.Equal(t, 3, got.Report.Records)

	rr = get(t, h, "/runs/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFailures(t *testing.T) {
	h, st := newTestServer(t)
	ctx := context.Background()
	run, err := st.CreateRun(ctx, 0.5, model.DataModeAll)
	require.NoError(t, err)
	require.NoError(t, st.RecordFailures(ctx, []model.Failure{{
		RunID:    run.ID,
		Set:      model.CandidateSet{Focal: "acme corp", Candidates: []string{"acme corporation"}},
		Error:    "overloaded",
		Kind:     "transient",
		Attempts: 3,
	}}))

	rr := get(t, h, "/failures")
	require.Equal(t, http.StatusOK, rr.Code)
	var failures []model.Failure
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failures))
	require.Len(t, failures, 1)
	assert.Equal(t, "acme corp", failures[0].Set.Focal)

	require.NoError(t, st.ResolveFailures(ctx, []int64{failures[0].ID}))
	rr = get(t, h, "/failures")
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = get(t, h, "/failures?include_resolved=true&run_id="+run.ID)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &failures))
	assert.Len(t, failures, 1)
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/groups", nil)
	req.Header.Set("Origin", "https://review.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	h, _ := newTestServer(t)
	rr := get(t, h, "/webhook/ingest")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
