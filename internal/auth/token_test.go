package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncbridge/internal/syncerr"
)

func tokenEndpoint(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"expires_in":   3600,
		})
	}))
}

func TestManager_RefreshesExpiredToken(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits)
	defer srv.Close()

	m := NewManager(srv.URL, TokenState{
		AccessToken:  "stale",
		RefreshToken: "rt",
		ClientID:     "cid",
		ClientSecret: "secret",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	require.NoError(t, m.Authorize(context.Background(), req))
	assert.Equal(t, "Zoho-oauthtoken fresh-token", req.Header.Get("Authorization"))
	assert.Equal(t, int64(1), hits.Load())
}

func TestManager_ValidTokenSkipsRefresh(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits)
	defer srv.Close()

	m := NewManager(srv.URL, TokenState{
		AccessToken: "current",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	require.NoError(t, m.Authorize(context.Background(), req))
	assert.Equal(t, "Zoho-oauthtoken current", req.Header.Get("Authorization"))
	assert.Equal(t, int64(0), hits.Load())
}

func TestManager_ConcurrentRefreshSingleFlight(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits)
	defer srv.Close()

	m := NewManager(srv.URL, TokenState{
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil)
			assert.NoError(t, m.Authorize(context.Background(), req))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), hits.Load(), "concurrent callers share one refresh")
}

func TestManager_DeniedRefreshIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_client"})
	}))
	defer srv.Close()

	m := NewManager(srv.URL, TokenState{RefreshToken: "rt"}, nil)
	req := httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	err := m.Authorize(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindAuthDenied, syncerr.KindOf(err))
}

func TestManager_PersistsBeforeReturning(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tokens.json")
	store := FileStore{Path: path}
	m := NewManager(srv.URL, TokenState{RefreshToken: "rt", ClientID: "cid"}, store)

	req := httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	require.NoError(t, m.Authorize(context.Background(), req))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", loaded.AccessToken)
	assert.Equal(t, "cid", loaded.ClientID)
	assert.True(t, loaded.ExpiresAt.After(time.Now()))
}

func TestFileStore_MissingFileIsZeroState(t *testing.T) {
	store := FileStore{Path: filepath.Join(t.TempDir(), "absent.json")}
	state, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, state.AccessToken)
}

func TestStaticToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	require.NoError(t, StaticToken{Token: "pat"}.Authorize(context.Background(), req))
	assert.Equal(t, "Bearer pat", req.Header.Get("Authorization"))

	err := StaticToken{}.Authorize(context.Background(), req)
	assert.Equal(t, syncerr.KindConfigMissing, syncerr.KindOf(err))
}
