// Package auth holds per-remote OAuth state and serializes token refresh.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"syncbridge/internal/syncerr"
)

// refreshSkew refreshes tokens this long before their recorded expiry.
const refreshSkew = 60 * time.Second

// TokenState is the durable OAuth state for one remote.
type TokenState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
}

// Store persists token state durably before a refreshed token is handed out.
type Store interface {
	Save(state TokenState) error
}

// Manager refreshes OAuth tokens for one remote. All access goes through
// Authorize; refresh is single-flight so concurrent callers share one
// round trip to the token endpoint.
type Manager struct {
	tokenURL string
	httpc    *http.Client

	mu    sync.Mutex
	state TokenState

	sf    singleflight.Group
	store Store

	now func() time.Time
}

// NewManager builds a refreshing manager for the source remote.
func NewManager(tokenURL string, state TokenState, store Store) *Manager {
	return &Manager{
		tokenURL: tokenURL,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		state:    state,
		store:    store,
		now:      time.Now,
	}
}

// Authorize applies the bearer header to req, refreshing the access token
// first when it is within the skew of expiry.
func (m *Manager) Authorize(ctx context.Context, req *http.Request) error {
	m.mu.Lock()
	expiring := m.now().After(m.state.ExpiresAt.Add(-refreshSkew))
	token := m.state.AccessToken
	m.mu.Unlock()

	if expiring || token == "" {
		refreshed, err := m.refresh(ctx)
		if err != nil {
			return err
		}
		token = refreshed
	}

	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	return nil
}

// ForceRefresh discards the current access token and fetches a new one.
// Used by the client's single 401 retry.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	m.state.ExpiresAt = time.Time{}
	m.mu.Unlock()
	_, err := m.refresh(ctx)
	return err
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		m.mu.Lock()
		// Another caller may have refreshed while we waited on the flight.
		if m.now().Before(m.state.ExpiresAt.Add(-refreshSkew)) && m.state.AccessToken != "" {
			token := m.state.AccessToken
			m.mu.Unlock()
			return token, nil
		}
		state := m.state
		m.mu.Unlock()

		fresh, err := m.exchange(ctx, state)
		if err != nil {
			return "", err
		}
		if m.store != nil {
			if err := m.store.Save(fresh); err != nil {
				return "", syncerr.Wrap(syncerr.KindAuthExpired, "auth.persist", err)
			}
		}

		m.mu.Lock()
		m.state = fresh
		m.mu.Unlock()
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// exchange performs the refresh-token grant against the token endpoint.
func (m *Manager) exchange(ctx context.Context, state TokenState) (TokenState, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {state.RefreshToken},
		"client_id":     {state.ClientID},
		"client_secret": {state.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenState{}, syncerr.Wrap(syncerr.KindAuthExpired, "auth.refresh", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpc.Do(req)
	if err != nil {
		return TokenState{}, syncerr.Wrap(syncerr.KindTransient, "auth.refresh", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenState{}, syncerr.Wrap(syncerr.KindTransient, "auth.refresh", err)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenState{}, syncerr.New(syncerr.KindAuthExpired, "auth.refresh",
			"token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenState{}, syncerr.Wrap(syncerr.KindAuthExpired, "auth.refresh", err)
	}
	if payload.Error != "" || payload.AccessToken == "" {
		return TokenState{}, syncerr.New(syncerr.KindAuthDenied, "auth.refresh",
			"token endpoint rejected refresh: %s", payload.Error)
	}

	state.AccessToken = payload.AccessToken
	state.ExpiresAt = m.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return state, nil
}

// StaticToken authorizes with a fixed bearer token (datastore personal
// access tokens never expire mid-run and have no refresh flow).
type StaticToken struct {
	Token string
}

// Authorize applies the bearer header.
func (s StaticToken) Authorize(_ context.Context, req *http.Request) error {
	if s.Token == "" {
		return syncerr.New(syncerr.KindConfigMissing, "auth.static", "empty API token")
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	return nil
}

// Authorizer is implemented by Manager and StaticToken.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

var _ Authorizer = (*Manager)(nil)
var _ Authorizer = StaticToken{}

func (s TokenState) String() string {
	return fmt.Sprintf("TokenState{client=%s expires=%s}", s.ClientID, s.ExpiresAt.Format(time.RFC3339))
}
