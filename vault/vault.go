// Package vault owns OAuth credential storage and refresh for every
// (user, provider) pair. Connectors receive tokens by value per call and
// never persist them; refresh-on-expiry is a property of the vault, not of
// call sites.
package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/storage"
	"github.com/wirebird/wirebird/utils"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ConnectionLostFunc is invoked exactly once when a provider grant is revoked
// for a user. The orchestrator hooks this to disable affected flows and raise
// flow.connection.lost.
type ConnectionLostFunc func(ctx context.Context, userID int64, provider string)

// Vault stores and refreshes OAuth token pairs per (user, provider). Tokens
// are encrypted at rest with AES-256-GCM; concurrent refreshes for one key
// collapse into a single in-flight exchange.
type Vault struct {
	store      storage.Storage
	secrets    SecretsProvider
	endpoints  map[string]oauth2.Endpoint
	key        []byte
	skew       time.Duration
	group      singleflight.Group
	onLost     ConnectionLostFunc
	httpClient *http.Client
}

// New builds a Vault. An empty encryption key disables at-rest encryption
// (dev mode); any other value must be 64 hex chars.
func New(store storage.Storage, secrets SecretsProvider, cfg *config.VaultConfig) (*Vault, error) {
	v := &Vault{
		store:     store,
		secrets:   secrets,
		endpoints: make(map[string]oauth2.Endpoint),
		skew:      config.DefaultExpirySkew,
	}
	if cfg != nil {
		v.skew = cfg.ExpirySkew.Or(config.DefaultExpirySkew)
		if cfg.EncryptionKey != "" {
			key, err := hex.DecodeString(cfg.EncryptionKey)
			if err != nil || len(key) != 32 {
				return nil, fmt.Errorf("vault encryption key must be 64 hex chars (32 bytes)")
			}
			v.key = key
		}
	}
	if v.secrets == nil {
		prefix := ""
		if cfg != nil {
			prefix = cfg.SecretsPrefix
		}
		v.secrets = NewEnvSecretsProvider(prefix)
	}
	return v, nil
}

// RegisterEndpoint binds a provider name to its OAuth token endpoint.
// Called at boot while connectors register; read-only afterwards.
func (v *Vault) RegisterEndpoint(provider string, ep oauth2.Endpoint) {
	v.endpoints[provider] = ep
}

// OnConnectionLost installs the revocation hook.
func (v *Vault) OnConnectionLost(fn ConnectionLostFunc) {
	v.onLost = fn
}

// SetHTTPClient overrides the client used for token-endpoint exchanges.
func (v *Vault) SetHTTPClient(c *http.Client) {
	v.httpClient = c
}

func (v *Vault) seal(plain string) (string, error) {
	if len(v.key) == 0 {
		return plain, nil
	}
	return encrypt(plain, v.key)
}

func (v *Vault) open(stored string) (string, error) {
	if len(v.key) == 0 {
		return stored, nil
	}
	return decrypt(stored, v.key)
}

// Connect stores (or replaces) the credential record for a key. Called from
// the OAuth callback path after the user granted access.
func (v *Vault) Connect(ctx context.Context, userID int64, provider, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := v.seal(accessToken)
	if err != nil {
		return err
	}
	refresh, err := v.seal(refreshToken)
	if err != nil {
		return err
	}
	return v.store.SaveCredential(ctx, &model.CredentialRecord{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		Connected:    true,
		UpdatedAt:    time.Now().UTC(),
	})
}

// Disconnect removes the credential record for a key.
func (v *Vault) Disconnect(ctx context.Context, userID int64, provider string) error {
	return v.store.DeleteCredential(ctx, userID, provider)
}

// Connected reports which providers the user holds live credentials for.
func (v *Vault) Connected(ctx context.Context, userID int64) (map[string]bool, error) {
	recs, err := v.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(recs))
	for _, rec := range recs {
		out[rec.Provider] = rec.Connected
	}
	return out, nil
}

// GetToken returns the current access token, refreshing it first when it is
// expired (or within the expiry skew). Callers never observe an expired
// token and no network I/O happens on the fresh path.
func (v *Vault) GetToken(ctx context.Context, userID int64, provider string) (string, error) {
	rec, err := v.store.GetCredential(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", fmt.Errorf("%s for user %d: %w", provider, userID, model.ErrNotConnected)
		}
		return "", err
	}
	if !rec.Connected {
		return "", fmt.Errorf("%s for user %d: %w", provider, userID, model.ErrNotConnected)
	}
	if rec.Expired(v.skew) {
		return v.Refresh(ctx, userID, provider)
	}
	return v.open(rec.AccessToken)
}

// Refresh exchanges the stored refresh token at the provider's token
// endpoint and atomically replaces the record. Concurrent callers for one
// key wait on a single in-flight exchange to avoid refresh-token
// invalidation races with the provider.
func (v *Vault) Refresh(ctx context.Context, userID int64, provider string) (string, error) {
	key := fmt.Sprintf("%d/%s", userID, provider)
	token, err, _ := v.group.Do(key, func() (any, error) {
		return v.refreshLocked(ctx, userID, provider)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (v *Vault) refreshLocked(ctx context.Context, userID int64, provider string) (string, error) {
	rec, err := v.store.GetCredential(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", fmt.Errorf("%s for user %d: %w", provider, userID, model.ErrNotConnected)
		}
		return "", err
	}
	if !rec.Connected {
		return "", fmt.Errorf("%s for user %d: %w", provider, userID, model.ErrNotConnected)
	}
	// A coalesced waiter may arrive after the leader already refreshed.
	if !rec.Expired(v.skew) && time.Since(rec.UpdatedAt) < time.Second {
		return v.open(rec.AccessToken)
	}

	ep, ok := v.endpoints[provider]
	if !ok {
		return "", fmt.Errorf("no OAuth endpoint registered for provider %s", provider)
	}
	idKey, secretKey := clientCredentialKeys(provider)
	clientID, err := v.secrets.GetSecret(ctx, idKey)
	if err != nil {
		return "", err
	}
	clientSecret, err := v.secrets.GetSecret(ctx, secretKey)
	if err != nil {
		return "", err
	}
	refreshToken, err := v.open(rec.RefreshToken)
	if err != nil {
		return "", err
	}

	conf := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: ep}
	if v.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return "", v.denyRefresh(ctx, rec, err)
		}
		return "", &model.ConnectionError{Provider: provider, Op: "refresh", Err: err}
	}

	access, err := v.seal(tok.AccessToken)
	if err != nil {
		return "", err
	}
	newRefresh := rec.RefreshToken
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if newRefresh, err = v.seal(tok.RefreshToken); err != nil {
			return "", err
		}
	}
	rec.AccessToken = access
	rec.RefreshToken = newRefresh
	rec.ExpiresAt = tok.Expiry
	rec.Connected = true
	rec.UpdatedAt = time.Now().UTC()
	if err := v.store.SaveCredential(ctx, rec); err != nil {
		return "", err
	}
	utils.Debug("refreshed %s token for user %d", rec.Provider, rec.UserID)
	return tok.AccessToken, nil
}

// denyRefresh marks the record disconnected and fires the connection-lost
// hook. Runs under the singleflight leader only, so the hook fires at most
// once per revocation.
func (v *Vault) denyRefresh(ctx context.Context, rec *model.CredentialRecord, cause error) error {
	utils.Warn("token refresh denied for user %d provider %s: %v", rec.UserID, rec.Provider, cause)
	rec.Connected = false
	rec.UpdatedAt = time.Now().UTC()
	if err := v.store.SaveCredential(ctx, rec); err != nil {
		utils.Error("failed to mark credential disconnected: %v", err)
	}
	if v.onLost != nil {
		v.onLost(ctx, rec.UserID, rec.Provider)
	}
	return fmt.Errorf("%s for user %d: %w", rec.Provider, rec.UserID, model.ErrRefreshDenied)
}
