package domain

import (
	"net/url"
	"strings"
)

// CredentialPlaceholder marks where a provider API key is substituted into a template.
const CredentialPlaceholder = "{api_key}"

// PublicProvider is the provider id for public endpoints of unknown operators.
const PublicProvider = "public"

// Tier distinguishes keyed endpoints from public ones.
type Tier string

const (
	TierPublic       Tier = "public"
	TierCredentialed Tier = "credentialed"
)

// CredentialedProviders lists providers whose endpoints need an API key, in lookup order.
var CredentialedProviders = []string{"infura", "alchemy", "quicknode", "ankr", "chainstack"}

// PublicProviders lists name tokens used to label keyless endpoints, in lookup order.
var PublicProviders = []string{
	"publicnode", "llamarpc", "ankr", "cloudflare", "1rpc", "drpc", "blastapi",
	"binance", "polygon-rpc", "arbitrum", "optimism", "base", "avax",
}

// ProviderCredentials maps provider id to its API key. Read-only after load.
type ProviderCredentials map[string]string

// NewProviderCredentials copies the non-empty entries of keys.
func NewProviderCredentials(keys map[string]string) ProviderCredentials {
	c := make(ProviderCredentials, len(keys))
	for name, key := range keys {
		if key != "" {
			c[strings.ToLower(name)] = key
		}
	}
	return c
}

// Key returns the API key for provider. Provider names are case-insensitive.
func (c ProviderCredentials) Key(provider string) (string, bool) {
	k, ok := c[strings.ToLower(provider)]
	return k, ok && k != ""
}

// Candidate is one resolved endpoint to try.
type Candidate struct {
	URL      string
	Provider string
	Tier     Tier
}

// IsCredentialed reports whether template needs an API key.
func IsCredentialed(template string) bool {
	return strings.Contains(template, CredentialPlaceholder)
}

// Resolve substitutes key into template.
func Resolve(template, key string) string {
	return strings.ReplaceAll(template, CredentialPlaceholder, key)
}

// CredentialedProviderOf returns the first credentialed provider named in template.
func CredentialedProviderOf(template string) (string, bool) {
	lower := strings.ToLower(template)
	for _, p := range CredentialedProviders {
		if strings.Contains(lower, p) {
			return p, true
		}
	}
	return "", false
}

// PublicProviderOf labels a keyless endpoint, defaulting to PublicProvider.
func PublicProviderOf(endpoint string) string {
	lower := strings.ToLower(endpoint)
	for _, p := range PublicProviders {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return PublicProvider
}

// TruncateEndpoint keeps only scheme and host so API keys in paths or queries never leak.
func TruncateEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "invalid-endpoint"
	}
	return u.Scheme + "://" + u.Hostname()
}
