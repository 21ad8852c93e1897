package tickstore

import "strings"

// Resolver canonicalizes vendor-specific instrument aliases to one canonical
// symbol, e.g. "NIFTY 50" and "NSE:NIFTY50" both resolving to "NIFTY".
// Grounded on the teacher's map-based, case-insensitive symbol resolution.
type Resolver struct {
	aliases map[string]string
}

// NewResolver builds a Resolver from a canonical symbol -> alias list map.
// Matching is case-insensitive and trims surrounding whitespace; the
// canonical form itself is always registered as an alias of itself.
func NewResolver(canonicalToAliases map[string][]string) *Resolver {
	r := &Resolver{aliases: make(map[string]string)}
	for canonical, aliases := range canonicalToAliases {
		r.aliases[normalizeAlias(canonical)] = canonical
		for _, a := range aliases {
			r.aliases[normalizeAlias(a)] = canonical
		}
	}
	return r
}

// Canonical resolves raw to its canonical instrument symbol. If raw is not a
// known alias, it is returned unchanged (trimmed, upper-cased) so unknown
// instruments degrade to identity rather than failing ingestion.
func (r *Resolver) Canonical(raw string) string {
	key := normalizeAlias(raw)
	if canonical, ok := r.aliases[key]; ok {
		return canonical
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

func normalizeAlias(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// DefaultResolver returns the resolver for the index derivatives this engine
// targets out of the box.
func DefaultResolver() *Resolver {
	return NewResolver(map[string][]string{
		"NIFTY":      {"NIFTY 50", "NSE:NIFTY50", "NIFTY50"},
		"BANKNIFTY":  {"NIFTY BANK", "NSE:BANKNIFTY", "NIFTY_BANK"},
		"FINNIFTY":   {"NIFTY FIN SERVICE", "NSE:FINNIFTY"},
		"MIDCPNIFTY": {"NIFTY MIDCAP SELECT", "NSE:MIDCPNIFTY"},
		"SENSEX":     {"BSE:SENSEX", "SX50"},
	})
}
