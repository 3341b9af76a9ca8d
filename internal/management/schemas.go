// Package management implements the node management surface: a static
// schema registry with danger scoring, tier-gated authorization, management
// credentials, and signed execution receipts.
package management

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tier is the agent authorization tier, ordered monitor < standard <
// advanced < admin.
type Tier string

const (
	TierMonitor  Tier = "monitor"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
	TierAdmin    Tier = "admin"
)

var tierRanks = map[Tier]int{
	TierMonitor:  0,
	TierStandard: 1,
	TierAdvanced: 2,
	TierAdmin:    3,
}

// Rank returns the ordinal of t, or -1 for an unknown tier.
func (t Tier) Rank() int {
	r, ok := tierRanks[t]
	if !ok {
		return -1
	}
	return r
}

// DangerScore rates an action across five dimensions, each in [1,10].
type DangerScore struct {
	Reversibility      int `json:"reversibility"`
	FinancialExposure  int `json:"financial_exposure"`
	TimeSensitivity    int `json:"time_sensitivity"`
	BlastRadius        int `json:"blast_radius"`
	RecoveryDifficulty int `json:"recovery_difficulty"`
}

// Total is the maximum of the dimensions. One catastrophic dimension is
// enough to make an action dangerous.
func (d DangerScore) Total() int {
	max := d.Reversibility
	for _, v := range []int{d.FinancialExposure, d.TimeSensitivity, d.BlastRadius, d.RecoveryDifficulty} {
		if v > max {
			max = v
		}
	}
	return max
}

// paramRequiredDanger: at this total danger and above, every declared
// parameter must be supplied.
const paramRequiredDanger = 5

// Action is one callable operation of a schema category.
type Action struct {
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Danger       DangerScore `json:"danger"`
	RequiredTier Tier        `json:"required_tier"`
	// Params maps parameter name to its JSON type ("string", "integer",
	// "number", "boolean").
	Params map[string]string `json:"params,omitempty"`

	schema *jsonschema.Schema
}

// Category groups related actions under one schema prefix.
type Category struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Actions     []Action `json:"actions"`
}

// SchemaID returns the full id for an action in this category.
func (c Category) SchemaID(action string) string {
	return "hive:" + c.Name + "/" + action
}

// registry is the static schema table.
var registry = []Category{
	{
		Name: "monitor", Description: "read-only node and channel inspection",
		Actions: []Action{
			{Name: "get_status", Danger: DangerScore{1, 1, 1, 1, 1}, RequiredTier: TierMonitor},
			{Name: "list_channels", Danger: DangerScore{1, 1, 1, 1, 1}, RequiredTier: TierMonitor},
			{Name: "list_forwards", Danger: DangerScore{1, 1, 1, 1, 1}, RequiredTier: TierMonitor,
				Params: map[string]string{"limit": "integer"}},
		},
	},
	{
		Name: "fee-policy", Description: "channel fee configuration",
		Actions: []Action{
			{Name: "set_single", Danger: DangerScore{2, 4, 3, 2, 2}, RequiredTier: TierStandard,
				Params: map[string]string{"channel_id": "string", "base_msat": "integer", "ppm": "integer"}},
			{Name: "set_all", Danger: DangerScore{3, 5, 3, 6, 3}, RequiredTier: TierAdvanced,
				Params: map[string]string{"base_msat": "integer", "ppm": "integer"}},
		},
	},
	{
		Name: "htlc-policy", Description: "HTLC size and exposure limits",
		Actions: []Action{
			{Name: "set_max_htlc", Danger: DangerScore{2, 4, 2, 3, 2}, RequiredTier: TierStandard,
				Params: map[string]string{"channel_id": "string", "max_htlc_msat": "integer"}},
		},
	},
	{
		Name: "forwarding", Description: "forwarding toggles",
		Actions: []Action{
			{Name: "pause", Danger: DangerScore{3, 5, 5, 5, 3}, RequiredTier: TierAdvanced,
				Params: map[string]string{"channel_id": "string"}},
			{Name: "resume", Danger: DangerScore{2, 2, 2, 3, 2}, RequiredTier: TierStandard,
				Params: map[string]string{"channel_id": "string"}},
		},
	},
	{
		Name: "rebalance", Description: "circular rebalance execution",
		Actions: []Action{
			{Name: "execute", Danger: DangerScore{4, 6, 3, 2, 3}, RequiredTier: TierAdvanced,
				Params: map[string]string{"from_channel": "string", "to_channel": "string", "amount_sats": "integer"}},
		},
	},
	{
		Name: "channel", Description: "channel lifecycle",
		Actions: []Action{
			{Name: "open", Danger: DangerScore{6, 8, 3, 3, 5}, RequiredTier: TierAdmin,
				Params: map[string]string{"node_id": "string", "amount_sats": "integer", "announce": "boolean"}},
			{Name: "close", Danger: DangerScore{7, 7, 4, 4, 6}, RequiredTier: TierAdmin,
				Params: map[string]string{"channel_id": "string", "force": "boolean"}},
		},
	},
	{
		Name: "splice", Description: "channel splicing",
		Actions: []Action{
			{Name: "splice_in", Danger: DangerScore{6, 8, 4, 3, 6}, RequiredTier: TierAdmin,
				Params: map[string]string{"channel_id": "string", "amount_sats": "integer"}},
			{Name: "splice_out", Danger: DangerScore{7, 8, 4, 3, 6}, RequiredTier: TierAdmin,
				Params: map[string]string{"channel_id": "string", "amount_sats": "integer", "address": "string"}},
		},
	},
	{
		Name: "peer", Description: "peer connection management",
		Actions: []Action{
			{Name: "connect", Danger: DangerScore{1, 1, 2, 2, 1}, RequiredTier: TierStandard,
				Params: map[string]string{"node_id": "string", "address": "string"}},
			{Name: "disconnect", Danger: DangerScore{3, 3, 3, 4, 2}, RequiredTier: TierAdvanced,
				Params: map[string]string{"node_id": "string"}},
		},
	},
	{
		Name: "payment", Description: "outbound payments",
		Actions: []Action{
			{Name: "pay_invoice", Danger: DangerScore{8, 9, 5, 2, 8}, RequiredTier: TierAdmin,
				Params: map[string]string{"bolt11": "string", "max_fee_sats": "integer"}},
			{Name: "fetch_invoice", Danger: DangerScore{1, 1, 1, 1, 1}, RequiredTier: TierStandard,
				Params: map[string]string{"bolt12": "string", "amount_msat": "integer"}},
		},
	},
	{
		Name: "wallet", Description: "on-chain wallet operations",
		Actions: []Action{
			{Name: "new_address", Danger: DangerScore{1, 1, 1, 1, 1}, RequiredTier: TierStandard},
			{Name: "withdraw", Danger: DangerScore{9, 10, 5, 2, 9}, RequiredTier: TierAdmin,
				Params: map[string]string{"address": "string", "amount_sats": "integer", "feerate": "string"}},
		},
	},
	{
		Name: "plugin", Description: "plugin lifecycle",
		Actions: []Action{
			{Name: "start", Danger: DangerScore{4, 3, 3, 6, 4}, RequiredTier: TierAdmin,
				Params: map[string]string{"plugin": "string"}},
			{Name: "stop", Danger: DangerScore{5, 3, 4, 6, 4}, RequiredTier: TierAdmin,
				Params: map[string]string{"plugin": "string"}},
		},
	},
	{
		Name: "config", Description: "runtime configuration",
		Actions: []Action{
			{Name: "get", Danger: DangerScore{1, 1, 1, 1, 1}, RequiredTier: TierMonitor,
				Params: map[string]string{"key": "string"}},
			{Name: "set", Danger: DangerScore{5, 4, 3, 7, 4}, RequiredTier: TierAdmin,
				Params: map[string]string{"key": "string", "value": "string"}},
		},
	},
	{
		Name: "backup", Description: "state backup",
		Actions: []Action{
			{Name: "trigger", Danger: DangerScore{2, 2, 3, 2, 2}, RequiredTier: TierStandard},
			{Name: "restore", Danger: DangerScore{10, 10, 8, 10, 10}, RequiredTier: TierAdmin,
				Params: map[string]string{"snapshot_id": "string"}},
		},
	},
	{
		Name: "emergency", Description: "break-glass controls",
		Actions: []Action{
			{Name: "halt_all", Danger: DangerScore{8, 9, 10, 10, 7}, RequiredTier: TierAdmin},
		},
	},
	{
		Name: "htlc-mgmt", Description: "in-flight HTLC intervention",
		Actions: []Action{
			{Name: "list_pending", Danger: DangerScore{1, 1, 1, 1, 1}, RequiredTier: TierMonitor},
			{Name: "fail_htlc", Danger: DangerScore{6, 7, 8, 4, 5}, RequiredTier: TierAdmin,
				Params: map[string]string{"channel_id": "string", "htlc_id": "integer"}},
		},
	},
}

// actionIndex maps full schema id to its category and action.
var actionIndex = map[string]*Action{}

func init() {
	for ci := range registry {
		c := &registry[ci]
		for ai := range c.Actions {
			a := &c.Actions[ai]
			a.schema = compileParamSchema(c.Name, a)
			actionIndex[c.SchemaID(a.Name)] = a
		}
	}
}

// compileParamSchema builds the JSON schema validating an action's params.
// Declared parameters are type-checked always; they only become required at
// danger >= paramRequiredDanger.
func compileParamSchema(category string, a *Action) *jsonschema.Schema {
	var b strings.Builder
	b.WriteString(`{"type":"object","additionalProperties":false,"properties":{`)
	names := make([]string, 0, len(a.Params))
	for name := range a.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `%q:{"type":%q}`, name, a.Params[name])
	}
	b.WriteString(`}`)
	if a.Danger.Total() >= paramRequiredDanger && len(names) > 0 {
		b.WriteString(`,"required":[`)
		for i, name := range names {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "%q", name)
		}
		b.WriteString(`]`)
	}
	b.WriteString(`}`)

	sch, err := jsonschema.CompileString("hive://"+category+"/"+a.Name+".json", b.String())
	if err != nil {
		panic(fmt.Sprintf("bad param schema for %s/%s: %v", category, a.Name, err))
	}
	return sch
}

// Categories returns the full registry for the RPC list surface.
func Categories() []Category { return registry }

// LookupAction resolves a full schema id like "hive:fee-policy/set_single".
func LookupAction(schemaID string) (*Action, bool) {
	a, ok := actionIndex[schemaID]
	return a, ok
}

// Reputation multipliers for advisory pricing.
var priceMultipliers = map[string]float64{
	"newcomer":   1.5,
	"recognized": 1.0,
	"trusted":    0.8,
	"senior":     0.6,
}

// Price computes the advisory price in base units for executing schemaID by
// an agent at the given reputation tier.
func Price(schemaID string, reputationTier string, baseUnit int64) (int64, error) {
	a, ok := LookupAction(schemaID)
	if !ok {
		return 0, fmt.Errorf("unknown schema %s", schemaID)
	}
	mult, ok := priceMultipliers[reputationTier]
	if !ok {
		mult = priceMultipliers["newcomer"]
	}
	return int64(float64(a.Danger.Total()) * float64(baseUnit) * mult), nil
}
