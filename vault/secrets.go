package vault

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretsProvider resolves provider OAuth client credentials (client id and
// secret). User tokens never go through here; those live in the store.
type SecretsProvider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

// EnvSecretsProvider implements SecretsProvider using environment variables.
type EnvSecretsProvider struct {
	prefix string
}

var _ SecretsProvider = (*EnvSecretsProvider)(nil)

func NewEnvSecretsProvider(prefix string) *EnvSecretsProvider {
	return &EnvSecretsProvider{prefix: prefix}
}

func (e *EnvSecretsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	envKey := key
	if e.prefix != "" {
		envKey = e.prefix + key
	}
	value := os.Getenv(envKey)
	if value == "" && e.prefix != "" {
		value = os.Getenv(key)
	}
	if value == "" {
		return "", fmt.Errorf("secret not found in environment variables: %s", key)
	}
	return value, nil
}

// clientCredentialKeys derives the env key names for a provider, e.g.
// GITHUB_CLIENT_ID / GITHUB_CLIENT_SECRET.
func clientCredentialKeys(provider string) (idKey, secretKey string) {
	upper := strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
	return upper + "_CLIENT_ID", upper + "_CLIENT_SECRET"
}
