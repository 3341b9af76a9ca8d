package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhive/hived/internal/config"
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/hub"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/intent"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/management"
	"github.com/lnhive/hived/internal/membership"
	"github.com/lnhive/hived/internal/metrics"
	"github.com/lnhive/hived/internal/reputation"
	"github.com/lnhive/hived/internal/settlement"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/transport"
)

type apiFixture struct {
	srv  *httptest.Server
	st   *store.Store
	self hive.PeerID
}

func newAPI(t *testing.T, governance config.GovernanceMode, feerateGate int) *apiFixture {
	t.Helper()
	ctx := context.Background()

	node := lightning.NewMockNodeFromSeed(1, "api-node")
	signer, err := identity.NewLocal(ctx, node, time.Second, slog.Default())
	require.NoError(t, err)

	st, err := store.Open(ctx, "sqlite",
		fmt.Sprintf("file:api_%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	self := hive.PeerID(node.PubkeyHex())
	members, err := membership.NewManager(ctx, self, st, slog.Default())
	require.NoError(t, err)

	cache := reputation.NewCache(nil, st, slog.Default())
	rep := reputation.NewManager(self, signer, st, members, cache, slog.Default())
	mgmt := management.NewManager(self, signer, st, slog.Default())
	intents := intent.NewCoordinator(self, slog.Default())

	network := transport.NewMemoryNetwork()
	tr := network.Join(self)
	t.Cleanup(func() { tr.Close() })

	reg := prometheus.NewRegistry()
	h := hub.New(hub.Options{
		Self:             self,
		Signer:           signer,
		Store:            st,
		Members:          members,
		Reputation:       rep,
		Management:       mgmt,
		Intents:          intents,
		Transport:        tr,
		Node:             node,
		Metrics:          metrics.New(reg),
		Governance:       governance,
		FeerateGateSatVB: feerateGate,
		RelayTTL:         2,
	})
	engine := settlement.NewEngine(self, signer, st, members, node, h, settlement.ModeStandard, slog.Default())
	h.SetSettlement(engine)

	s := NewServer(Options{
		Self:       self,
		Signer:     signer,
		Store:      st,
		Members:    members,
		Reputation: rep,
		Management: mgmt,
		Intents:    intents,
		Settlement: engine,
		Hub:        h,
		Node:       node,
		Opener:     lightning.NewOpener(node, 5, slog.Default()),
		Registry:   reg,
		Log:        slog.Default(),
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, st: st, self: self}
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) (*http.Response, hive.Result) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var res hive.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, res
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, hive.Result) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var res hive.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp, res
}

func TestStatusReportsIdentity(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.get(t, "/v1/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.OK)

	details := res.Details.(map[string]interface{})
	assert.Equal(t, string(f.self), details["peer_id"])
	assert.Equal(t, "supervised", details["governance"])
}

func TestRegisterOfferPersists(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.post(t, "/v1/offer/register", map[string]string{"description": "weekly settlement"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.OK)

	bolt12, err := f.st.GetOffer(context.Background(), string(f.self))
	require.NoError(t, err)
	assert.NotEmpty(t, bolt12)
}

func TestIssueReputationCredential(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)
	subject := lightning.NewMockNodeFromSeed(2, "peer").PubkeyHex()

	resp, res := f.post(t, "/v1/credentials/reputation/issue", map[string]interface{}{
		"subject_id": subject,
		"domain":     "hive:node",
		"metrics":    map[string]float64{"uptime_pct": 0.99, "routing_success_rate": 0.97},
		"outcome":    "neutral",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.OK)

	creds, err := f.st.ActiveCredentials(context.Background(), subject, "hive:node")
	require.NoError(t, err)
	assert.Len(t, creds, 1)
}

func TestIssueReputationUnknownDomain(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.post(t, "/v1/credentials/reputation/issue", map[string]interface{}{
		"subject_id": lightning.NewMockNodeFromSeed(2, "peer").PubkeyHex(),
		"domain":     "hive:bogus",
		"metrics":    map[string]float64{"uptime_pct": 0.99},
		"outcome":    "neutral",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, res.OK)
}

func TestListSchemas(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.get(t, "/v1/management/schemas")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.OK)

	cats := res.Details.([]interface{})
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.(map[string]interface{})["name"].(string))
	}
	assert.Contains(t, names, "fee-policy")
	assert.Contains(t, names, "emergency")
}

func TestManagementExecuteMonitor(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	_, issueRes := f.post(t, "/v1/credentials/management/issue", map[string]interface{}{
		"agent_id":        "agent-7",
		"tier":            "monitor",
		"allowed_schemas": []string{"hive:monitor/*"},
	})
	require.True(t, issueRes.OK)
	credID := issueRes.Details.(map[string]interface{})["credential_id"].(string)

	resp, res := f.post(t, "/v1/management/execute", map[string]interface{}{
		"credential_id": credID,
		"schema_id":     "hive:monitor/get_status",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.OK)

	receipt := res.Details.(map[string]interface{})
	assert.Equal(t, "hive:monitor/get_status", receipt["schema_id"])
	assert.NotEmpty(t, receipt["signature"])
}

func TestManagementExecuteDeniedOutsideAllowedSchemas(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	_, issueRes := f.post(t, "/v1/credentials/management/issue", map[string]interface{}{
		"agent_id":        "agent-7",
		"tier":            "admin",
		"allowed_schemas": []string{"hive:monitor/*"},
	})
	require.True(t, issueRes.OK)
	credID := issueRes.Details.(map[string]interface{})["credential_id"].(string)

	resp, res := f.post(t, "/v1/management/execute", map[string]interface{}{
		"credential_id": credID,
		"schema_id":     "hive:payment/pay_invoice",
		"params":        map[string]interface{}{"bolt11": "lnbc1...", "max_fee_sats": 10},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, res.OK)
}

func TestManagementExecuteFailsafeRefused(t *testing.T) {
	f := newAPI(t, config.GovernanceFailsafe, 0)

	resp, res := f.post(t, "/v1/management/execute", map[string]interface{}{
		"credential_id": "whatever",
		"schema_id":     "hive:monitor/get_status",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, res.OK)
}

func TestChannelOpenSucceeds(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.post(t, "/v1/channel/open", map[string]interface{}{
		"node_id":     lightning.NewMockNodeFromSeed(2, "peer").PubkeyHex(),
		"amount_sats": 500_000,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.OK)

	details := res.Details.(map[string]interface{})
	assert.NotEmpty(t, details["channel_id"])
	assert.NotEmpty(t, details["intent_request_id"], "open must report the lock it ran under")
}

func TestChannelOpenFailsafeRefused(t *testing.T) {
	f := newAPI(t, config.GovernanceFailsafe, 0)

	resp, res := f.post(t, "/v1/channel/open", map[string]interface{}{
		"node_id":     lightning.NewMockNodeFromSeed(2, "peer").PubkeyHex(),
		"amount_sats": 500_000,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, res.OK)
}

func TestChannelOpenFeerateGate(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 20)

	resp, res := f.post(t, "/v1/channel/open", map[string]interface{}{
		"node_id":        lightning.NewMockNodeFromSeed(2, "peer").PubkeyHex(),
		"amount_sats":    500_000,
		"feerate_sat_vb": 21,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, res.OK)
}

func TestIntentEnqueueWins(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.post(t, "/v1/intent", map[string]interface{}{
		"kind":   "rebalance",
		"target": "chan-1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, res.OK)

	details := res.Details.(map[string]interface{})
	assert.Equal(t, true, details["won"])
	assert.Equal(t, string(f.self), details["holder"])
}

func TestSettlementHistoryEmpty(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.get(t, "/v1/settlement/history")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.OK)
}

func TestInjectPacketRejectsBadBase64(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.post(t, "/v1/packet", map[string]interface{}{
		"from_peer_id": "02aa",
		"raw":          "not base64 !!!",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, res.OK)
}

func TestUnknownProposalDetail(t *testing.T) {
	f := newAPI(t, config.GovernanceSupervised, 0)

	resp, res := f.get(t, "/v1/settlement/no-such-id")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, res.OK)
}
