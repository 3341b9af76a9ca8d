package wire

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/hive"
)

func TestCredentialSigningPayloadSortedKeys(t *testing.T) {
	metrics := map[string]float64{"uptime_pct": 0.99, "routing_success_rate": 0.95, "channel_health": 0.8}
	got, err := CredentialSigningPayload("02issuer", "02subject", "hive:node", 100, 200, metrics, "renew")
	require.NoError(t, err)

	want := `{"domain":"hive:node","issuer_id":"02issuer","metrics":{"channel_health":0.8,"routing_success_rate":0.95,"uptime_pct":0.99},"outcome":"renew","period_end":200,"period_start":100,"subject_id":"02subject"}`
	assert.Equal(t, want, string(got))
}

// Signing determinism: the payload bytes are independent of metric map
// construction order.
func TestSigningPayloadDeterminismProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)

	metricGen := gen.MapOf(gen.Identifier(), gen.Float64Range(0, 1))

	props.Property("payload independent of map ordering", prop.ForAll(
		func(metrics map[string]float64) bool {
			a, err := CredentialSigningPayload("02a", "02b", "hive:node", 1, 2, metrics, "neutral")
			if err != nil {
				return false
			}
			// Rebuild the map in reversed insertion order.
			keys := make([]string, 0, len(metrics))
			for k := range metrics {
				keys = append(keys, k)
			}
			permuted := make(map[string]float64, len(metrics))
			for i := len(keys) - 1; i >= 0; i-- {
				permuted[keys[i]] = metrics[keys[i]]
			}
			b, err := CredentialSigningPayload("02a", "02b", "hive:node", 1, 2, permuted, "neutral")
			return err == nil && string(a) == string(b)
		},
		metricGen,
	))

	props.TestingRun(t)
}

func TestRevocationSigningPayload(t *testing.T) {
	got, err := RevocationSigningPayload("cred-1", "metrics fabricated")
	require.NoError(t, err)
	assert.Equal(t, `{"action":"revoke","credential_id":"cred-1","reason":"metrics fabricated"}`, string(got))
}

func TestMgmtCredentialSigningPayloadSortsSchemas(t *testing.T) {
	a, err := MgmtCredentialSigningPayload("mc-1", "02op", "agent-1", "02node", "standard",
		[]string{"hive:monitor/*", "hive:fee-policy/*"}, 10, 20)
	require.NoError(t, err)
	b, err := MgmtCredentialSigningPayload("mc-1", "02op", "agent-1", "02node", "standard",
		[]string{"hive:fee-policy/*", "hive:monitor/*"}, 10, 20)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestEnvelopeSigningPayloadExcludesUnlistedFields(t *testing.T) {
	env := NewEnvelope(KindSettlementReady, hive.PeerID("02aa"), map[string]interface{}{
		"proposal_id":   "p1",
		"voter_peer_id": "02aa",
		"data_hash":     "dd",
		"timestamp":     int64(5),
		"display_note":  "should never be signed",
		"ttl":           3,
	})
	payload, err := EnvelopeSigningPayload(env)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "display_note")
	assert.NotContains(t, string(payload), "ttl")
	assert.Contains(t, string(payload), `"proposal_id":"p1"`)
	assert.Contains(t, string(payload), `"sender":"02aa"`)
}

func TestVoteAndExecutionPayloadShape(t *testing.T) {
	v, err := VoteSigningPayload("p1", "02voter", "aabb", 42)
	require.NoError(t, err)
	assert.Equal(t, `{"data_hash":"aabb","proposal_id":"p1","timestamp":42,"voter_peer_id":"02voter"}`, string(v))

	e, err := ExecutionSigningPayload("p1", "02exec", "ccdd", 1500, 43)
	require.NoError(t, err)
	assert.Equal(t, `{"executor_peer_id":"02exec","plan_hash":"ccdd","proposal_id":"p1","timestamp":43,"total_sent_sats":1500}`, string(e))
}
