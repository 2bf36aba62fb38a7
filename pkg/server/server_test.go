package server

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/batteryplan/pkg/controller"
	"github.com/raterudder/batteryplan/pkg/ess"
	"github.com/raterudder/batteryplan/pkg/log"
	"github.com/raterudder/batteryplan/pkg/storage"
	"github.com/raterudder/batteryplan/pkg/types"
)

const (
	testDevice   = "cbb-test"
	testAudience = "test-audience"
	testIssuer   = "https://issuer.example.com"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

// newTestServer returns a server over a simulated battery on SQLite with
// balancing and weather turned off.
func newTestServer(t *testing.T) (*Server, storage.Database) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.NewSQLite(ctx, filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	settings := types.DefaultSettings()
	settings.Location = "UTC"
	settings.Balancing.Enabled = false
	settings.Weather.Enabled = false
	require.NoError(t, db.SetSettings(ctx, testDevice, settings, types.CurrentSettingsVersion))

	c := controller.New(db, ess.NewSimulated(db, testDevice, time.UTC))
	require.NoError(t, c.Init(ctx))
	return &Server{
		controller: c,
		bypassAuth: true,
		serverName: "batteryplan-test",
	}, db
}

// newTestVerifier returns a verifier for tokens signed by the returned sign
// func.
func newTestVerifier(t *testing.T) (tokenVerifier, func(email string) string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&priv.PublicKey}}
	verifier := oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testAudience})

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	sign := func(email string) string {
		payload, err := json.Marshal(map[string]any{
			"iss":   testIssuer,
			"aud":   testAudience,
			"sub":   "sub-" + email,
			"email": email,
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)
		jws, err := signer.Sign(payload)
		require.NoError(t, err)
		raw, err := jws.CompactSerialize()
		require.NoError(t, err)
		return raw
	}
	return verifier.Verify, sign
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for _, mod := range mods {
		mod(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doRequest(t, srv.setupHandler(), http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Equal(t, "batteryplan-test", rr.Header().Get("Server"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}

func TestHandleUpdate(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()

	rr := doRequest(t, h, http.MethodPost, "/api/update", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[controller.Result](t, rr)
	assert.Equal(t, controller.StatusSuccess, res.Status)
	assert.True(t, res.Replanned)
	require.NotNil(t, res.Action)

	rr = doRequest(t, h, http.MethodGet, "/api/plans/active", "")
	require.Equal(t, http.StatusOK, rr.Code)
	active := decode[types.Plan](t, rr)
	assert.Equal(t, types.PlanTypeAutomatic, active.Type)
	assert.Equal(t, types.PlanStatusActive, active.Status)

	rr = doRequest(t, h, http.MethodGet, "/api/plans?type=automatic", "")
	require.Equal(t, http.StatusOK, rr.Code)
	plans := decode[[]types.Plan](t, rr)
	require.Len(t, plans, 1)
	assert.Equal(t, active.ID, plans[0].ID)

	now := time.Now().UTC()
	q := url.Values{
		"start": {now.Add(-time.Hour).Format(time.RFC3339)},
		"end":   {now.Add(time.Hour).Format(time.RFC3339)},
	}
	rr = doRequest(t, h, http.MethodGet, "/api/history/actions?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	actions := decode[[]types.Action](t, rr)
	require.Len(t, actions, 1)
	assert.Equal(t, active.ID, actions[0].PlanID)
	assert.Equal(t, types.ActionReasonPlan, actions[0].Reason)
}

func TestHandleUpdateInvalidSettings(t *testing.T) {
	srv, db := newTestServer(t)
	h := srv.setupHandler()

	ctx := context.Background()
	settings, err := srv.controller.Settings(ctx)
	require.NoError(t, err)
	settings.MinBatterySOC = 90
	require.ErrorIs(t, srv.controller.SaveSettings(ctx, settings), controller.ErrInvalidSettings)
	require.NoError(t, db.SetSettings(ctx, testDevice, settings, types.CurrentSettingsVersion))

	rr := doRequest(t, h, http.MethodPost, "/api/update", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid settings")
}

func TestAuth(t *testing.T) {
	verifier, sign := newTestVerifier(t)
	srv, _ := newTestServer(t)
	srv.bypassAuth = false
	srv.oidcAudience = testAudience
	srv.oidcVerifier = verifier
	srv.adminEmails = []string{"admin@example.com"}
	srv.updateSpecificEmail = "scheduler@example.com"
	h := srv.setupHandler()

	adminToken := sign("admin@example.com")
	schedulerToken := sign("scheduler@example.com")
	userToken := sign("user@example.com")

	t.Run("missing token", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/api/plans", "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/api/plans", "", bearer("not-a-token"))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/api/plans", "", func(r *http.Request) {
			r.Header.Set("Authorization", "Basic abc")
		})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("invalid cookie is cleared", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/api/plans", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: authTokenCookie, Value: "bad"})
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Header().Get("Set-Cookie"), authTokenCookie+"=;")
	})

	t.Run("user can read", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/api/plans", "", bearer(userToken))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("user cannot update", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/api/update", "", bearer(userToken))
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("scheduler can update", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/api/update", "", bearer(schedulerToken))
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("scheduler cannot change settings", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/api/settings", `{"dryRun":true}`, bearer(schedulerToken))
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("admin can change settings via cookie", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/api/settings", `{"dryRun":true}`, func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: authTokenCookie, Value: adminToken})
		})
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("status without login", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/api/auth/status", "")
		require.Equal(t, http.StatusOK, rr.Code)
		status := decode[authStatusResponse](t, rr)
		assert.False(t, status.LoggedIn)
		assert.True(t, status.AuthRequired)
		assert.Equal(t, testAudience, status.ClientID)
	})

	t.Run("status as admin", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/api/auth/status", "", bearer(adminToken))
		require.Equal(t, http.StatusOK, rr.Code)
		status := decode[authStatusResponse](t, rr)
		assert.True(t, status.LoggedIn)
		assert.True(t, status.Admin)
		assert.Equal(t, "admin@example.com", status.Email)
	})

	t.Run("login sets cookie", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/api/auth/login", `{"token":"`+userToken+`"}`)
		require.Equal(t, http.StatusOK, rr.Code)
		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, authTokenCookie, cookies[0].Name)
		assert.Equal(t, userToken, cookies[0].Value)
		assert.True(t, cookies[0].HttpOnly)
	})

	t.Run("login rejects bad token", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/api/auth/login", `{"token":"nope"}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestWritesWithoutOIDC(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.bypassAuth = false
	h := srv.setupHandler()

	rr := doRequest(t, h, http.MethodGet, "/api/settings", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, h, http.MethodPost, "/api/update", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestStateEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.setupHandler()

	rr := doRequest(t, h, http.MethodGet, "/api/balancing", "")
	require.Equal(t, http.StatusOK, rr.Code)
	_ = decode[types.BalancingState](t, rr)

	rr = doRequest(t, h, http.MethodGet, "/api/weather", "")
	require.Equal(t, http.StatusOK, rr.Code)
	weather := decode[types.WeatherState](t, rr)
	assert.False(t, weather.Active())
}
