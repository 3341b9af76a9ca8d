// Package reputation implements DID reputation credentials: profile-validated
// issuance, fail-closed verification, issuer-only revocation, and weighted
// aggregation into a tiered score with a TTL cache.
package reputation

import (
	"sort"

	"github.com/lnhive/hived/internal/hive"
)

// Credential outcomes.
const (
	OutcomeRenew   = "renew"
	OutcomeRevoke  = "revoke"
	OutcomeNeutral = "neutral"
)

// Reputation tiers, ordered.
const (
	TierNewcomer   = "newcomer"
	TierRecognized = "recognized"
	TierTrusted    = "trusted"
	TierSenior     = "senior"
)

// Confidence levels.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// MetricRange bounds a numeric metric.
type MetricRange struct {
	Lo, Hi float64
}

// Profile declares the metric vocabulary of one credential domain.
type Profile struct {
	Domain   string
	Required map[string]MetricRange
	Optional map[string]MetricRange
}

// profiles is the static domain registry.
var profiles = map[string]Profile{
	"hive:advisor": {
		Domain: "hive:advisor",
		Required: map[string]MetricRange{
			"recommendation_accuracy": {0, 1},
			"response_quality":        {0, 1},
		},
		Optional: map[string]MetricRange{
			"client_retention": {0, 1},
		},
	},
	"hive:node": {
		Domain: "hive:node",
		Required: map[string]MetricRange{
			"uptime_pct":           {0, 1},
			"routing_success_rate": {0, 1},
		},
		Optional: map[string]MetricRange{
			"channel_health":    {0, 1},
			"liquidity_balance": {0, 1},
		},
	},
	"hive:client": {
		Domain: "hive:client",
		Required: map[string]MetricRange{
			"payment_reliability": {0, 1},
		},
		Optional: map[string]MetricRange{
			"dispute_rate": {0, 1},
		},
	},
	"agent:general": {
		Domain: "agent:general",
		Required: map[string]MetricRange{
			"task_success_rate": {0, 1},
		},
		Optional: map[string]MetricRange{
			"policy_compliance": {0, 1},
		},
	},
}

// ProfileFor returns the profile for domain.
func ProfileFor(domain string) (Profile, bool) {
	p, ok := profiles[domain]
	return p, ok
}

// Domains lists the known credential domains, sorted.
func Domains() []string {
	out := make([]string, 0, len(profiles))
	for d := range profiles {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ValidOutcome reports whether o is a known outcome.
func ValidOutcome(o string) bool {
	return o == OutcomeRenew || o == OutcomeRevoke || o == OutcomeNeutral
}

// Validate checks metrics against the profile: all required metrics present,
// no unknown metrics, every value inside its declared range.
func (p Profile) Validate(metrics map[string]float64) error {
	for name := range p.Required {
		if _, ok := metrics[name]; !ok {
			return hive.Validationf("metric %s required by %s", name, p.Domain)
		}
	}
	for name, v := range metrics {
		r, ok := p.Required[name]
		if !ok {
			r, ok = p.Optional[name]
		}
		if !ok {
			return hive.Validationf("metric %s unknown to %s", name, p.Domain)
		}
		if v < r.Lo || v > r.Hi {
			return hive.Validationf("metric %s=%v outside [%v,%v]", name, v, r.Lo, r.Hi)
		}
	}
	return nil
}

// normalize maps a metric value to [0,1] using the profile range.
func (r MetricRange) normalize(v float64) float64 {
	if r.Hi == r.Lo {
		return 0
	}
	n := (v - r.Lo) / (r.Hi - r.Lo)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}
