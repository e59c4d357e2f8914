// Package vault resolves provider API keys from the OS keychain, environment
// variables, or key files.
package vault

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zalando/go-keyring"
)

const serviceName = "switchyard"

// envPrefix is prepended to the upper-cased provider id for the environment
// fallback, with dashes mapped to underscores.
const envPrefix = "SWITCHYARD_KEY_"

// Key sources reported by Resolve.
const (
	SourceKeyring = "keyring"
	SourceEnv     = "env"
	SourceFile    = "file"
)

// DefaultCacheTTL bounds how long a resolved key is reused before the
// backing store is read again.
const DefaultCacheTTL = 5 * time.Minute

// knownProviders is the list of providers checked by List().
var knownProviders = []string{
	"anthropic", "openai", "google-ai-studio", "google-vertex",
	"bedrock", "azure", "groq", "together", "fireworks", "mistral",
}

type resolved struct {
	key    string
	source string
}

// Vault provides API key storage in the OS keychain with an environment
// fallback. Resolved keys are cached for a short TTL.
type Vault struct {
	cache *expirable.LRU[string, resolved]
}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{cache: expirable.NewLRU[string, resolved](256, nil, DefaultCacheTTL)}
}

// Set stores an API key for the given provider in the OS keychain.
func (v *Vault) Set(provider, key string) error {
	v.cache.Purge()
	return keyring.Set(serviceName, provider, key)
}

// Get retrieves the API key for the given provider. It first checks the
// OS keychain, then falls back to the environment variable
// SWITCHYARD_KEY_{UPPER(provider)}.
func (v *Vault) Get(provider string) (string, error) {
	key, _, err := v.get(provider)
	return key, err
}

func (v *Vault) get(provider string) (string, string, error) {
	secret, err := keyring.Get(serviceName, provider)
	if err == nil && secret != "" {
		return secret, SourceKeyring, nil
	}

	envKey := EnvVar(provider)
	if val := os.Getenv(envKey); val != "" {
		return val, SourceEnv, nil
	}

	return "", "", fmt.Errorf("no key found for provider %q: not in keychain and %s not set", provider, envKey)
}

// EnvVar returns the environment variable consulted for provider.
func EnvVar(provider string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

// Delete removes the API key for the given provider from the OS keychain.
func (v *Vault) Delete(provider string) error {
	v.cache.Purge()
	return keyring.Delete(serviceName, provider)
}

// List returns the names of known providers that currently have keys stored.
// It checks both the keychain and environment variables for each provider.
func (v *Vault) List() ([]string, error) {
	var providers []string
	for _, provider := range knownProviders {
		if _, _, err := v.get(provider); err == nil {
			providers = append(providers, provider)
		}
	}
	return providers, nil
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://switchyard/<provider>" (preferred)
//   - "keychain:switchyard/<provider>" (legacy)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	key, _, err := v.Resolve(keyRef)
	return key, err
}

// Resolve is ResolveKeyRef that also reports where the key came from. Hits
// are served from the cache.
func (v *Vault) Resolve(keyRef string) (key, source string, err error) {
	if r, ok := v.cache.Get(keyRef); ok {
		return r.key, r.source, nil
	}
	key, source, err = v.resolve(keyRef)
	if err != nil {
		return "", "", err
	}
	v.cache.Add(keyRef, resolved{key: key, source: source})
	return key, source, nil
}

// Forget drops a cached key, normally after the upstream rejected it.
func (v *Vault) Forget(keyRef string) {
	v.cache.Remove(keyRef)
}

func (v *Vault) resolve(keyRef string) (string, string, error) {
	if path, ok := strings.CutPrefix(keyRef, "keyring://"); ok {
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://switchyard/<provider>\")", keyRef)
		}
		return v.get(parts[1])
	}

	if path, ok := strings.CutPrefix(keyRef, "keychain:"); ok {
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", "", fmt.Errorf("invalid key reference path: %q (expected \"switchyard/<provider>\")", path)
		}
		return v.get(parts[1])
	}

	if envVar, ok := strings.CutPrefix(keyRef, "env:"); ok {
		if val := os.Getenv(envVar); val != "" {
			return val, SourceEnv, nil
		}
		return "", "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	if filePath, ok := strings.CutPrefix(keyRef, "file://"); ok {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, SourceFile, nil
	}

	return "", "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://switchyard/<provider>\", \"keychain:switchyard/<provider>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
