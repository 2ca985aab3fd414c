package hostnames

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// IsAllowed reports whether hostname may be proxied under the given root
// domains. An empty rule set allows every hostname. Otherwise the hostname
// must equal a rule or be a subdomain of one ("www.example.com" under
// "example.com"). Comparison is byte-exact; no case folding is applied.
func IsAllowed(hostname string, rules []string) bool {
	if len(rules) == 0 {
		return true
	}
	for _, rule := range rules {
		if hostname == rule || strings.HasSuffix(hostname, "."+rule) {
			return true
		}
	}
	return false
}

// ruleProfile maps like idna.Lookup but allows "_" in labels and "--" in the
// third and fourth positions.
var ruleProfile = idna.New(
	idna.MapForLookup(),
	idna.ValidateLabels(false),
	idna.StrictDomainName(false),
)

// ValidateRule checks that rule is usable as an allowlist root domain. It
// never rewrites the rule: matching stays byte-exact.
func ValidateRule(rule string) error {
	if rule == "" {
		return fmt.Errorf("empty hostname")
	}
	if strings.Contains(rule, "*") {
		return fmt.Errorf("%q: wildcards are not supported, list the root domain instead", rule)
	}
	if strings.HasPrefix(rule, ".") || strings.HasSuffix(rule, ".") || strings.Contains(rule, "..") {
		return fmt.Errorf("%q: empty label", rule)
	}
	if _, err := ruleProfile.ToASCII(rule); err != nil {
		return fmt.Errorf("%q: %w", rule, err)
	}
	return nil
}
