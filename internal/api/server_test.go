package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/db"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/zone"
)

const runID = "run-1"

func seed(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	start := time.Unix(1000, 0)
	require.NoError(t, store.InsertRun(supervisor.RunInfo{ID: runID, StartedAt: start, Rate: 100, Config: `{"rate":100}`}))
	require.NoError(t, store.InsertTransition(supervisor.Transition{
		RunID: runID, At: start.Add(time.Second), SchedulingTime: 0.8, CollisionTime: 1.8,
		From: zone.Safe, To: zone.Replan, Scale: 1,
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertSample(supervisor.Sample{
			RunID: runID, SchedulingTime: float64(i) * 0.1, Scale: 1, Zone: zone.Safe,
		}))
	}
	require.NoError(t, store.InsertAttempt(runID, replan.Attempt{
		ID: "a-1", StartTime: 1.5, EndTime: 2.3, Status: replan.Succeed, Points: 12,
		StartedAt: start.Add(time.Second), FinishedAt: start.Add(time.Second + 5*time.Millisecond),
	}))
	require.NoError(t, store.FinishRun(runID, start.Add(4*time.Second), supervisor.StatsSummary{
		Count: 400, Mean: 80 * time.Microsecond, P99: 200 * time.Microsecond,
	}))
	return store
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunRoutes(t *testing.T) {
	h := NewServer(seed(t), "").ServeMux()

	rec := get(t, h, http.MethodGet, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var runs []RunSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, 100.0, runs[0].Rate)

	rec = get(t, h, http.MethodGet, "/api/runs/"+runID)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail RunDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	require.NotNil(t, detail.Stats)
	assert.Equal(t, uint64(400), detail.Stats.Count)
	assert.Equal(t, 200*time.Microsecond, detail.Stats.P99)
	assert.JSONEq(t, `{"rate":100}`, detail.Config)

	rec = get(t, h, http.MethodGet, "/api/runs/"+runID+"/transitions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"To":"replan"`)
	var transitions []supervisor.Transition
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&transitions))
	require.Len(t, transitions, 1)
	assert.Equal(t, zone.Safe, transitions[0].From)

	rec = get(t, h, http.MethodGet, "/api/runs/"+runID+"/samples")
	require.Equal(t, http.StatusOK, rec.Code)
	var samples []supervisor.Sample
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&samples))
	assert.Len(t, samples, 5)

	rec = get(t, h, http.MethodGet, "/api/runs/"+runID+"/attempts")
	require.Equal(t, http.StatusOK, rec.Code)
	var attempts []replan.Attempt
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, replan.Succeed, attempts[0].Status)

	rec = get(t, h, http.MethodGet, "/api/runs/"+runID+"/timeline")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "timeline-run-1.html")
	assert.Contains(t, rec.Body.String(), "<html")
}

func TestUnknownRun(t *testing.T) {
	h := NewServer(seed(t), "").ServeMux()
	for _, path := range []string{"/api/runs/nope", "/api/runs/nope/transitions", "/api/runs/nope/timeline"} {
		rec := get(t, h, http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "run not found", path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewServer(seed(t), "").ServeMux()
	rec := get(t, h, http.MethodDelete, "/api/runs")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWriteCharts(t *testing.T) {
	store := seed(t)

	rec := get(t, NewServer(store, "").ServeMux(), http.MethodPost, "/api/runs/"+runID+"/charts")
	assert.Equal(t, http.StatusNotFound, rec.Code, "disabled without a report dir")

	root := t.TempDir()
	h := NewServer(store, root).ServeMux()

	rec = get(t, h, http.MethodPost, "/api/runs/"+runID+"/charts")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.FileExists(t, filepath.Join(root, runID, "scale.png"))
	assert.FileExists(t, filepath.Join(root, runID, "timeline.html"))

	rec = get(t, h, http.MethodPost, "/api/runs/"+runID+"/charts?dir=nested/out")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.FileExists(t, filepath.Join(root, "nested", "out", "scale.png"))

	rec = get(t, h, http.MethodPost, "/api/runs/"+runID+"/charts?dir=../escape")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	_, err := os.Stat(filepath.Join(filepath.Dir(root), "escape"))
	assert.True(t, os.IsNotExist(err))
}

func TestStatusCodeColor(t *testing.T) {
	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(404), colorBoldRed)
	assert.Equal(t, "101", statusCodeColor(101))
}
