package config

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// keyVaultSecretGetter abstracts the Key Vault secret client so tests can
// substitute a fake without a live vault.
type keyVaultSecretGetter interface {
	GetSecretValue(ctx context.Context, vaultURL, secretName string) (string, error)
}

// azureKeyVaultGetter is the implementation kvGetter uses. It resolves the
// default Azure credential chain (managed identity, environment, CLI) and
// then returns an error: no Key Vault secrets client is wired, so it never
// fetches a secret value.
type azureKeyVaultGetter struct{}

func (azureKeyVaultGetter) GetSecretValue(ctx context.Context, vaultURL, secretName string) (string, error) {
	_, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return "", fmt.Errorf("keyvault: resolve default azure credential: %w", err)
	}
	// No secrets-client call (azsecrets.Client.GetSecret) is made here, and
	// the package offers no way to inject one.
	return "", fmt.Errorf("keyvault: no secret client configured for vault %s secret %s", vaultURL, secretName)
}

var kvGetter keyVaultSecretGetter = azureKeyVaultGetter{}

// ResolveFingerprintKey resolves the process-wide HMAC fingerprint key per
// SecurityConfig: a bare ELSPETH_FINGERPRINT_KEY environment value if set
// (base64 or raw), otherwise the Key Vault path if ELSPETH_KEYVAULT_URL is
// set, which always fails because azureKeyVaultGetter fetches no secret.
// Exactly one source wins; callers use it once at startup to build the
// process-wide secretfp.Fingerprinter (see spec section 9 "Global state").
func (c *Config) ResolveFingerprintKey(ctx context.Context) ([]byte, error) {
	if c.Security.FingerprintKey != "" {
		return decodeKey(c.Security.FingerprintKey)
	}
	if c.Security.KeyVaultURL != "" {
		value, err := kvGetter.GetSecretValue(ctx, c.Security.KeyVaultURL, c.Security.KeyVaultSecretID)
		if err != nil {
			return nil, fmt.Errorf("config: resolve fingerprint key from key vault: %w", err)
		}
		return decodeKey(value)
	}
	return nil, fmt.Errorf("config: no fingerprint key source configured (set ELSPETH_FINGERPRINT_KEY or ELSPETH_KEYVAULT_URL)")
}

func decodeKey(raw string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) > 0 {
		return decoded, nil
	}
	return []byte(raw), nil
}
