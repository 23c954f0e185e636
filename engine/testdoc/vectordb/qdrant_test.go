package vectordb

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQdrantTestStore(t *testing.T, handler http.HandlerFunc) Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := New(context.Background(), &Config{
		Provider:  ProviderQdrant,
		DSN:       srv.URL,
		Dimension: 4,
	})
	require.NoError(t, err)
	return store
}

func TestQdrantDeleteStepsByParent_ShouldReportMatchedCount(t *testing.T) {
	var deleteCalls int
	store := newQdrantTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/points/count"):
			var body struct {
				Filter map[string]any `json:"filter"`
				Exact  bool           `json:"exact"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotNil(t, body.Filter, "count must be narrowed to the parent")
			assert.True(t, body.Exact)
			_, _ = io.WriteString(w, `{"result": {"count": 3}}`)
		case strings.HasSuffix(r.URL.Path, "/points/delete"):
			deleteCalls++
			_, _ = io.WriteString(w, `{"result": {}}`)
		default:
			_, _ = io.WriteString(w, `{"result": {}}`)
		}
	})
	deleted, err := store.DeleteStepsByParent(context.Background(), "PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Equal(t, 1, deleteCalls)
}

func TestQdrantDeleteStepsByParent_ShouldSkipDeleteWhenNothingMatches(t *testing.T) {
	var deleteCalls int
	store := newQdrantTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/points/count"):
			_, _ = io.WriteString(w, `{"result": {"count": 0}}`)
		case strings.HasSuffix(r.URL.Path, "/points/delete"):
			deleteCalls++
			_, _ = io.WriteString(w, `{"result": {}}`)
		default:
			_, _ = io.WriteString(w, `{"result": {}}`)
		}
	})
	deleted, err := store.DeleteStepsByParent(context.Background(), "PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 0, deleteCalls)
}
