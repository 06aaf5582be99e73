package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunoni/reflection-manager/pkg/model"
	"github.com/harunoni/reflection-manager/pkg/store"
)

type fakeLeader struct{ leader bool }

func (f fakeLeader) IsLeader() bool { return f.leader }

func TestHealthzAlwaysOK(t *testing.T) {
	s := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadyzWithoutDBOrManagerIsNotConfiguredButReady(t *testing.T) {
	s := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestStatusReportsLeaderFlag(t *testing.T) {
	stores := store.NewMemoryStores()
	s := NewServer(Deps{Entries: stores.Entries, Goals: stores.Goals, Leader: fakeLeader{leader: true}})

	req := httptest.NewRequest(http.MethodGet, "/internal/status", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Leader)
}

func TestListAndGetReflections(t *testing.T) {
	ctx := context.Background()
	stores := store.NewMemoryStores()
	require.NoError(t, stores.Entries.Save(ctx, &model.ReflectionEntry{
		ID: "refl-1", DatasetID: "ds-1", State: model.StateActive,
		NumFailures: 2, ModifiedAt: time.Now(),
	}))

	s := NewServer(Deps{Entries: stores.Entries, Goals: stores.Goals})

	req := httptest.NewRequest(http.MethodGet, "/internal/reflections", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var list map[string][]reflectionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list["reflections"], 1)
	assert.Equal(t, "refl-1", list["reflections"][0].ID)
	assert.Equal(t, 2, list["reflections"][0].NumFailures)

	req = httptest.NewRequest(http.MethodGet, "/internal/reflections/refl-1", nil)
	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var single reflectionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &single))
	assert.Equal(t, "ds-1", single.DatasetID)
}

func TestGetReflectionNotFound(t *testing.T) {
	stores := store.NewMemoryStores()
	s := NewServer(Deps{Entries: stores.Entries, Goals: stores.Goals})

	req := httptest.NewRequest(http.MethodGet, "/internal/reflections/missing", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
