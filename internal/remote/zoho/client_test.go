package zoho

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"syncbridge/internal/auth"
	"syncbridge/internal/syncerr"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, nil, zap.NewNop())
	c.transport.Auth = auth.StaticToken{Token: "test"}
	return c, srv
}

func TestListAll_Paginates(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v2/Leads", r.URL.Path)
		assert.Equal(t, "Modified_Time", r.URL.Query().Get("sort_by"))
		page := r.URL.Query().Get("page")
		if page == "1" {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"id": "z1", "Last_Name": "Ada", "Modified_Time": "2026-08-20T10:00:00+00:00"},
				},
				"info": map[string]any{"more_records": true, "page": 1},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "z2", "Last_Name": "Grace", "Modified_Time": "2026-08-19T10:00:00+00:00"},
			},
			"info": map[string]any{"more_records": false, "page": 2},
		})
	}))

	page1, err := c.ListAll(context.Background(), "Leads", "")
	require.NoError(t, err)
	require.Len(t, page1.Records, 1)
	assert.Equal(t, "z1", page1.Records[0].ID)
	assert.True(t, page1.HasMore)
	assert.Equal(t, "2", page1.Cursor)
	assert.Equal(t, 2026, page1.Records[0].ModifiedAt.Year())

	page2, err := c.ListAll(context.Background(), "Leads", page1.Cursor)
	require.NoError(t, err)
	require.Len(t, page2.Records, 1)
	assert.False(t, page2.HasMore)
}

func TestListModifiedSince_EmptyWindow(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	}))

	page, err := c.ListModifiedSince(context.Background(), "Leads", time.Now().Add(-time.Hour), "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.False(t, page.HasMore)
}

func TestGet_NotFound(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	_, err := c.Get(context.Background(), "Leads", "missing")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindNotFound, syncerr.KindOf(err))
}

func TestGetMany_ChunksAtHundred(t *testing.T) {
	var calls atomic.Int64
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"id": "z"}}})
	}))

	ids := make([]string, 150)
	for i := range ids {
		ids[i] = "id"
	}
	_, err := c.GetMany(context.Background(), "Leads", ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestUpdate_ValidationFailure(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"code": "INVALID_DATA", "status": "error", "message": "bad picklist value",
			}},
		})
	}))

	_, err := c.Update(context.Background(), "Leads", "z1", map[string]any{"Phone": "x"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestDo_ForcedRefreshRetriesOnce(t *testing.T) {
	var apiCalls, tokenCalls atomic.Int64

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Zoho-oauthtoken fresh", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "z1"}},
			"info": map[string]any{"more_records": false},
		})
	}))
	defer apiSrv.Close()

	tokens := auth.NewManager(tokenSrv.URL, auth.TokenState{
		AccessToken:  "stale",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil)
	c := New(apiSrv.URL, tokens, zap.NewNop())

	page, err := c.ListAll(context.Background(), "Leads", "")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, int64(2), apiCalls.Load(), "exactly one retry after refresh")
	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestDo_SecondUnauthorizedIsTerminal(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
	}))
	defer tokenSrv.Close()

	var apiCalls atomic.Int64
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	tokens := auth.NewManager(tokenSrv.URL, auth.TokenState{
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour),
	}, nil)
	c := New(apiSrv.URL, tokens, zap.NewNop())

	_, err := c.ListAll(context.Background(), "Leads", "")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindAuthExpired, syncerr.KindOf(err))
	assert.Equal(t, int64(2), apiCalls.Load())
}
