package app

import (
	"strings"

	"github.com/fd1az/chain-connector/business/connection/domain"
)

// Prioritize orders the endpoints of cfg for connection attempts:
// the preferred provider's keyed URLs, then every other keyed provider in order of
// first appearance, then keyless URLs in config order. Keyed templates whose provider
// has no credential are skipped, as are duplicate resolved URLs.
func Prioritize(cfg domain.NetworkConfig, creds domain.ProviderCredentials, preferred string) []domain.Candidate {
	preferred = strings.ToLower(strings.TrimSpace(preferred))

	var (
		providerOrder []string
		byProvider    = make(map[string][]string)
		public        []string
	)

	for _, tpl := range cfg.RPCTemplates {
		if !domain.IsCredentialed(tpl) {
			public = append(public, tpl)
			continue
		}
		p, ok := domain.CredentialedProviderOf(tpl)
		if !ok {
			continue
		}
		if _, seen := byProvider[p]; !seen {
			providerOrder = append(providerOrder, p)
		}
		byProvider[p] = append(byProvider[p], tpl)
	}

	out := make([]domain.Candidate, 0, len(cfg.RPCTemplates))
	seen := make(map[string]struct{}, len(cfg.RPCTemplates))
	add := func(c domain.Candidate) {
		if _, dup := seen[c.URL]; dup {
			return
		}
		seen[c.URL] = struct{}{}
		out = append(out, c)
	}
	addProvider := func(p string) {
		key, ok := creds.Key(p)
		if !ok {
			return
		}
		for _, tpl := range byProvider[p] {
			add(domain.Candidate{URL: domain.Resolve(tpl, key), Provider: p, Tier: domain.TierCredentialed})
		}
	}

	if preferred != "" {
		addProvider(preferred)
	}
	for _, p := range providerOrder {
		if p != preferred {
			addProvider(p)
		}
	}
	for _, tpl := range public {
		add(domain.Candidate{URL: tpl, Provider: domain.PublicProviderOf(tpl), Tier: domain.TierPublic})
	}

	return out
}
