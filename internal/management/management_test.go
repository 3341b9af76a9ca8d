package management

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/store"
)

func testManager(t *testing.T, seed byte) (*Manager, *lightning.MockNode) {
	t.Helper()
	node := lightning.NewMockNodeFromSeed(seed, "mgmt-node")
	signer, err := identity.NewLocal(context.Background(), node, time.Second, slog.Default())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), "sqlite",
		fmt.Sprintf("file:mgmt_%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(hive.PeerID(node.PubkeyHex()), signer, st, slog.Default()), node
}

func TestDangerTotalIsMax(t *testing.T) {
	d := DangerScore{Reversibility: 2, FinancialExposure: 9, TimeSensitivity: 1, BlastRadius: 3, RecoveryDifficulty: 4}
	assert.Equal(t, 9, d.Total())
}

func TestPatternMatching(t *testing.T) {
	assert.True(t, MatchesPattern("*", "hive:wallet/withdraw"))
	assert.True(t, MatchesPattern("hive:monitor/get_status", "hive:monitor/get_status"))
	assert.True(t, MatchesPattern("hive:fee-policy/*", "hive:fee-policy/set_single"))
	assert.False(t, MatchesPattern("hive:fee-policy/*", "hive:fee-policy-extra/anything"))
	assert.False(t, MatchesPattern("hive:fee-policy/*", "hive:fee-policy"))
	assert.False(t, MatchesPattern("hive:monitor/get_status", "hive:monitor/list_channels"))
}

func TestCheckAuthorization(t *testing.T) {
	m, _ := testManager(t, 1)
	now := time.Now()
	cred := &Credential{
		CredentialID:   "mc-1",
		Tier:           TierStandard,
		AllowedSchemas: []string{"hive:fee-policy/*", "hive:monitor/*"},
		ValidFrom:      now.Add(-time.Hour),
		ValidUntil:     now.Add(time.Hour),
	}

	require.NoError(t, m.CheckAuthorization(cred, "hive:fee-policy/set_single"))
	require.NoError(t, m.CheckAuthorization(cred, "hive:monitor/get_status"))

	// Tier too low: set_all requires advanced.
	err := m.CheckAuthorization(cred, "hive:fee-policy/set_all")
	require.ErrorIs(t, err, hive.ErrAuthorization)

	// Ungranted schema.
	err = m.CheckAuthorization(cred, "hive:wallet/new_address")
	require.ErrorIs(t, err, hive.ErrAuthorization)

	// Expired.
	cred.ValidUntil = now.Add(-time.Minute)
	err = m.CheckAuthorization(cred, "hive:monitor/get_status")
	require.ErrorIs(t, err, hive.ErrAuthorization)

	// Revoked.
	cred.ValidUntil = now.Add(time.Hour)
	cred.RevokedAt = &now
	err = m.CheckAuthorization(cred, "hive:monitor/get_status")
	require.ErrorIs(t, err, hive.ErrAuthorization)
}

func TestValidateParamsDangerThreshold(t *testing.T) {
	// monitor/list_forwards has danger 1: declared params are optional but
	// type-checked.
	require.NoError(t, ValidateParams("hive:monitor/list_forwards", nil))
	require.NoError(t, ValidateParams("hive:monitor/list_forwards", map[string]interface{}{"limit": 10}))
	err := ValidateParams("hive:monitor/list_forwards", map[string]interface{}{"limit": "ten"})
	require.ErrorIs(t, err, hive.ErrValidation)

	// wallet/withdraw has danger 10: all declared params required.
	err = ValidateParams("hive:wallet/withdraw", map[string]interface{}{"address": "bcrt1q..."})
	require.ErrorIs(t, err, hive.ErrValidation)
	require.NoError(t, ValidateParams("hive:wallet/withdraw", map[string]interface{}{
		"address": "bcrt1q...", "amount_sats": 5000, "feerate": "normal",
	}))

	// Undeclared params are rejected everywhere.
	err = ValidateParams("hive:monitor/get_status", map[string]interface{}{"verbose": true})
	require.ErrorIs(t, err, hive.ErrValidation)
}

func TestIssueVerifyCredential(t *testing.T) {
	m, _ := testManager(t, 2)
	ctx := context.Background()

	cred, err := m.Issue(ctx, "agent-1", TierStandard, []string{"hive:monitor/*"}, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, m.VerifyCredential(ctx, cred))

	// Tier escalation after signing is detected.
	tampered := *cred
	tampered.Tier = TierAdmin
	err = m.VerifyCredential(ctx, &tampered)
	require.ErrorIs(t, err, hive.ErrSignature)

	// Unsigned credentials fail closed.
	unsigned := *cred
	unsigned.Signature = ""
	err = m.VerifyCredential(ctx, &unsigned)
	require.ErrorIs(t, err, hive.ErrSignature)
}

func TestValidityWindowCappedAtTwoYears(t *testing.T) {
	m, _ := testManager(t, 7)
	ctx := context.Background()

	_, err := m.Issue(ctx, "agent-x", TierMonitor, []string{"hive:monitor/*"}, 1000*24*time.Hour, nil)
	require.ErrorIs(t, err, hive.ErrValidation)

	// Exactly the cap is still issuable.
	cred, err := m.Issue(ctx, "agent-x", TierMonitor, []string{"hive:monitor/*"}, maxValidity, nil)
	require.NoError(t, err)
	require.NoError(t, m.VerifyCredential(ctx, cred))

	// A window stretched past the cap after signing is rejected before the
	// signature is checked.
	stretched := *cred
	stretched.ValidUntil = stretched.ValidFrom.Add(1000 * 24 * time.Hour)
	err = m.VerifyCredential(ctx, &stretched)
	require.ErrorIs(t, err, hive.ErrValidation)
}

func TestLoadRejectsCorruptConstraints(t *testing.T) {
	m, _ := testManager(t, 8)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, m.st.InsertMgmtCredential(ctx, &store.MgmtCredentialRow{
		CredentialID:   "mc-corrupt",
		IssuerID:       string(m.self),
		AgentID:        "agent-x",
		NodeID:         string(m.self),
		Tier:           string(TierMonitor),
		AllowedSchemas: `["hive:monitor/*"]`,
		Constraints:    `{not json`,
		ValidFrom:      now,
		ValidUntil:     now.Add(time.Hour),
		Signature:      "sig",
	}))

	_, err := m.Load(ctx, "mc-corrupt")
	require.ErrorIs(t, err, hive.ErrFatal)
}

func TestVerifyCredentialSchemaOrderIrrelevant(t *testing.T) {
	m, _ := testManager(t, 3)
	ctx := context.Background()

	cred, err := m.Issue(ctx, "agent-1", TierStandard,
		[]string{"hive:monitor/*", "hive:fee-policy/*"}, time.Hour, nil)
	require.NoError(t, err)

	swapped := *cred
	swapped.AllowedSchemas = []string{"hive:fee-policy/*", "hive:monitor/*"}
	require.NoError(t, m.VerifyCredential(ctx, &swapped))
}

func TestExecuteProducesSignedReceipt(t *testing.T) {
	m, _ := testManager(t, 4)
	ctx := context.Background()

	cred, err := m.Issue(ctx, "agent-1", TierAdvanced, []string{"hive:fee-policy/*"}, time.Hour, nil)
	require.NoError(t, err)

	params := map[string]interface{}{"base_msat": 1000, "ppm": 250}
	receipt, err := m.Execute(ctx, cred.CredentialID, "hive:fee-policy/set_all", params,
		func(ctx context.Context) (interface{}, string, string, error) {
			return map[string]int{"channels_updated": 4}, "hash-before", "hash-after", nil
		})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Signature)
	assert.Equal(t, 6, receipt.DangerScore)
	assert.Equal(t, "set_all", receipt.Action)

	stored, err := m.st.ListReceipts(ctx, cred.CredentialID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, receipt.ReceiptID, stored[0].ReceiptID)
}

func TestExecuteRefusesAfterRevocation(t *testing.T) {
	m, _ := testManager(t, 5)
	ctx := context.Background()

	cred, err := m.Issue(ctx, "agent-1", TierMonitor, []string{"hive:monitor/*"}, time.Hour, nil)
	require.NoError(t, err)
	_, err = m.Revoke(ctx, cred.CredentialID, "agent decommissioned")
	require.NoError(t, err)

	_, err = m.Execute(ctx, cred.CredentialID, "hive:monitor/get_status", nil,
		func(ctx context.Context) (interface{}, string, string, error) {
			t.Fatal("action must not run under a revoked credential")
			return nil, "", "", nil
		})
	require.ErrorIs(t, err, hive.ErrAuthorization)
}

func TestRateLimitDropsExcessCredentialTraffic(t *testing.T) {
	m, _ := testManager(t, 6)

	allowed := 0
	for i := 0; i < credentialBurst+3; i++ {
		if m.Allow("02peer") {
			allowed++
		}
	}
	assert.Equal(t, credentialBurst, allowed)
	// Other peers have independent windows.
	assert.True(t, m.Allow("02otherpeer"))
}

func TestPricing(t *testing.T) {
	// channel/open has danger total 8.
	price, err := Price("hive:channel/open", "senior", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(48), price)

	price, err = Price("hive:channel/open", "newcomer", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(120), price)

	// Unknown reputation tiers price as newcomer.
	price, err = Price("hive:channel/open", "mystery", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(120), price)

	_, err = Price("hive:bogus/none", "senior", 10)
	require.Error(t, err)
}

func TestRegistryShape(t *testing.T) {
	cats := Categories()
	assert.Len(t, cats, 15)
	for _, c := range cats {
		require.NotEmpty(t, c.Actions, "category %s has no actions", c.Name)
		for _, a := range c.Actions {
			assert.GreaterOrEqual(t, a.Danger.Total(), 1)
			assert.LessOrEqual(t, a.Danger.Total(), 10)
			assert.GreaterOrEqual(t, a.RequiredTier.Rank(), 0)
		}
	}
}
