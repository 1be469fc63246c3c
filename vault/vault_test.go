package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/storage"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestVault(t *testing.T, tokenURL string) (*Vault, storage.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	v, err := New(store, NewEnvSecretsProvider(""), &config.VaultConfig{EncryptionKey: testKey})
	require.NoError(t, err)
	if tokenURL != "" {
		v.RegisterEndpoint("testprov", oauth2.Endpoint{TokenURL: tokenURL})
	}
	t.Setenv("TESTPROV_CLIENT_ID", "client-id")
	t.Setenv("TESTPROV_CLIENT_SECRET", "client-secret")
	return v, store
}

// tokenServer fakes a provider token endpoint. Each call hands out a new
// access token; status overrides force error paths.
func tokenServer(t *testing.T, hits *atomic.Int64, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != 0 {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		time.Sleep(50 * time.Millisecond) // widen the coalescing window
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-" + time.Now().Format("150405.000000000"),
			"refresh_token": "rotated-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
}

func TestGetTokenFreshPathNoNetwork(t *testing.T) {
	v, _ := newTestVault(t, "")
	ctx := context.Background()

	require.NoError(t, v.Connect(ctx, 1, "testprov", "live-token", "refresh", time.Now().Add(time.Hour)))

	// No endpoint is registered, so any network exchange would fail loudly.
	token, err := v.GetToken(ctx, 1, "testprov")
	require.NoError(t, err)
	assert.Equal(t, "live-token", token)
}

func TestGetTokenNotConnected(t *testing.T) {
	v, _ := newTestVault(t, "")
	_, err := v.GetToken(context.Background(), 1, "testprov")
	assert.ErrorIs(t, err, model.ErrNotConnected)
}

func TestTokensEncryptedAtRest(t *testing.T) {
	v, store := newTestVault(t, "")
	ctx := context.Background()
	require.NoError(t, v.Connect(ctx, 1, "testprov", "secret-token", "secret-refresh", time.Now().Add(time.Hour)))

	rec, err := store.GetCredential(ctx, 1, "testprov")
	require.NoError(t, err)
	assert.NotEqual(t, "secret-token", rec.AccessToken)
	assert.NotEqual(t, "secret-refresh", rec.RefreshToken)

	token, err := v.GetToken(ctx, 1, "testprov")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)
}

func TestGetTokenRefreshesExpired(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, 0)
	defer srv.Close()

	v, store := newTestVault(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, v.Connect(ctx, 1, "testprov", "stale", "old-refresh", time.Now().Add(-time.Minute)))

	token, err := v.GetToken(ctx, 1, "testprov")
	require.NoError(t, err)
	assert.NotEqual(t, "stale", token)
	assert.Equal(t, int64(1), hits.Load())

	// The rotated refresh token replaced the old one at rest.
	rec, err := store.GetCredential(ctx, 1, "testprov")
	require.NoError(t, err)
	rotated, err := v.open(rec.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", rotated)

	// Freshly refreshed token serves from storage without another exchange.
	again, err := v.GetToken(ctx, 1, "testprov")
	require.NoError(t, err)
	assert.Equal(t, token, again)
	assert.Equal(t, int64(1), hits.Load())
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, 0)
	defer srv.Close()

	v, _ := newTestVault(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, v.Connect(ctx, 1, "testprov", "stale", "old-refresh", time.Now().Add(-time.Minute)))

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := v.GetToken(ctx, 1, "testprov")
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load(), "concurrent refreshes must collapse into one exchange")
	for _, token := range tokens[1:] {
		assert.Equal(t, tokens[0], token)
	}
}

func TestRefreshDeniedDisconnectsAndFiresHookOnce(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, http.StatusBadRequest)
	defer srv.Close()

	v, store := newTestVault(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, v.Connect(ctx, 1, "testprov", "stale", "revoked", time.Now().Add(-time.Minute)))

	var lost atomic.Int64
	v.OnConnectionLost(func(ctx context.Context, userID int64, provider string) {
		assert.Equal(t, int64(1), userID)
		assert.Equal(t, "testprov", provider)
		lost.Add(1)
	})

	_, err := v.GetToken(ctx, 1, "testprov")
	assert.ErrorIs(t, err, model.ErrRefreshDenied)
	assert.Equal(t, int64(1), lost.Load())

	rec, err := store.GetCredential(ctx, 1, "testprov")
	require.NoError(t, err)
	assert.False(t, rec.Connected)

	// A disconnected record refuses further token requests without
	// re-contacting the provider.
	_, err = v.GetToken(ctx, 1, "testprov")
	assert.ErrorIs(t, err, model.ErrNotConnected)
	assert.Equal(t, int64(1), lost.Load())
}

func TestRefreshServerErrorIsTransient(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, &hits, http.StatusInternalServerError)
	defer srv.Close()

	v, store := newTestVault(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, v.Connect(ctx, 1, "testprov", "stale", "refresh", time.Now().Add(-time.Minute)))

	_, err := v.GetToken(ctx, 1, "testprov")
	require.Error(t, err)
	assert.True(t, model.IsTransient(err), "5xx from the token endpoint must stay retryable")

	// The grant survives a transient failure.
	rec, err := store.GetCredential(ctx, 1, "testprov")
	require.NoError(t, err)
	assert.True(t, rec.Connected)
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New(storage.NewMemoryStorage(), nil, &config.VaultConfig{EncryptionKey: "too-short"})
	assert.Error(t, err)
}

func TestDisconnectRemovesRecord(t *testing.T) {
	v, _ := newTestVault(t, "")
	ctx := context.Background()
	require.NoError(t, v.Connect(ctx, 1, "testprov", "tok", "ref", time.Time{}))

	connected, err := v.Connected(ctx, 1)
	require.NoError(t, err)
	assert.True(t, connected["testprov"])

	require.NoError(t, v.Disconnect(ctx, 1, "testprov"))
	connected, err = v.Connected(ctx, 1)
	require.NoError(t, err)
	assert.False(t, connected["testprov"])
}
