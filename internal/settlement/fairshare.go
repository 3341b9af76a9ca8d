package settlement

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/wire"
)

// planVersion is hashed into every plan.
const planVersion = 2

// Mode selects the fair-share weight vector.
type Mode string

const (
	ModeStandard         Mode = "standard"
	ModeNetworkOptimized Mode = "network-optimized"
)

// minCentrality below which network_position contributes nothing.
const minCentrality = 0.01

// Contribution is one member's row in the canonical snapshot. The list is
// sorted by peer_id everywhere it is hashed.
type Contribution struct {
	PeerID             hive.PeerID `json:"peer_id"`
	FeesEarnedSats     int64       `json:"fees_earned_sats"`
	RebalanceCostsSats int64       `json:"rebalance_costs_sats"`
	CapacitySats       int64       `json:"capacity_sats"`
	UptimePct          int         `json:"uptime_pct"` // integer 0..100
	ForwardCount       int64       `json:"forward_count"`
	ReputationTier     string      `json:"reputation_tier,omitempty"`
	NetworkPosition    float64     `json:"network_position,omitempty"`
}

// netProfit is the member's fees minus rebalance costs, floored at zero.
func (c Contribution) netProfit() int64 {
	p := c.FeesEarnedSats - c.RebalanceCostsSats
	if p < 0 {
		return 0
	}
	return p
}

// Share is the allocation result for one member.
type Share struct {
	PeerID    hive.PeerID `json:"peer_id"`
	NetProfit int64       `json:"net_profit_sats"`
	FairShare int64       `json:"fair_share_sats"`
	// Balance = FairShare - NetProfit. Positive: owed; negative: owes.
	Balance int64 `json:"balance_sats"`
}

// Payment is one planned transfer.
type Payment struct {
	From       hive.PeerID `json:"from"`
	To         hive.PeerID `json:"to"`
	AmountSats int64       `json:"amount_sats"`
}

// Plan is the deterministic payment plan bound by plan_hash.
type Plan struct {
	Version    int       `json:"v"`
	Period     string    `json:"period"`
	DataHash   string    `json:"data_hash"`
	MinPayment int64     `json:"min_payment"`
	Payments   []Payment `json:"payments"`
}

// FairShares allocates the fleet's net profit across members by normalized
// contribution weight using the largest-remainder method. The integer
// allocation always sums exactly to the total.
func FairShares(contribs []Contribution, mode Mode) []Share {
	n := len(contribs)
	if n == 0 {
		return nil
	}

	sorted := append([]Contribution(nil), contribs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PeerID.Less(sorted[j].PeerID) })

	var totalProfit, totalCap, totalFwd int64
	var totalUptime int
	var totalPos float64
	for _, c := range sorted {
		totalProfit += c.netProfit()
		totalCap += c.CapacitySats
		totalFwd += c.ForwardCount
		totalUptime += c.UptimePct
		if c.NetworkPosition >= minCentrality {
			totalPos += c.NetworkPosition
		}
	}

	wCap, wFwd, wUp, wPos := 0.30, 0.60, 0.10, 0.0
	if mode == ModeNetworkOptimized {
		wCap, wFwd, wUp, wPos = 0.25, 0.55, 0.10, 0.10
	}

	// Normalized contribution score per member; a zero fleet denominator
	// zeroes that component for everyone.
	scores := make([]float64, n)
	var scoreSum float64
	for i, c := range sorted {
		var s float64
		if totalCap > 0 {
			s += wCap * float64(c.CapacitySats) / float64(totalCap)
		}
		if totalFwd > 0 {
			s += wFwd * float64(c.ForwardCount) / float64(totalFwd)
		}
		if totalUptime > 0 {
			s += wUp * float64(c.UptimePct) / float64(totalUptime)
		}
		if totalPos > 0 && c.NetworkPosition >= minCentrality {
			s += wPos * c.NetworkPosition / totalPos
		}
		scores[i] = s
		scoreSum += s
	}

	shares := make([]Share, n)
	floors := make([]int64, n)
	remainders := make([]float64, n)
	var allocated int64
	for i, c := range sorted {
		w := 0.0
		if scoreSum > 0 {
			w = scores[i] / scoreSum
		}
		exact := float64(totalProfit) * w
		floors[i] = int64(math.Floor(exact))
		remainders[i] = exact - float64(floors[i])
		allocated += floors[i]
		shares[i] = Share{PeerID: c.PeerID, NetProfit: c.netProfit()}
	}

	// Largest-remainder: leftover sats go one each to the largest
	// fractional remainders, ties broken by ascending peer_id.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if remainders[ia] != remainders[ib] {
			return remainders[ia] > remainders[ib]
		}
		return sorted[ia].PeerID.Less(sorted[ib].PeerID)
	})
	leftover := totalProfit - allocated
	for _, idx := range order {
		if leftover <= 0 {
			break
		}
		floors[idx]++
		leftover--
	}

	for i := range shares {
		shares[i].FairShare = floors[i]
		shares[i].Balance = floors[i] - shares[i].NetProfit
	}
	return shares
}

// MinPayment computes the transfer threshold for a round.
func MinPayment(totalFees int64, memberCount int) int64 {
	if memberCount <= 0 {
		return 100
	}
	mp := totalFees / int64(memberCount*10)
	if mp < 100 {
		return 100
	}
	return mp
}

// BuildPlan matches payers to receivers greedily in deterministic order.
// Residuals under min_payment are dropped as dust.
func BuildPlan(period, dataHash string, shares []Share, totalFees int64) *Plan {
	minPayment := MinPayment(totalFees, len(shares))

	type open struct {
		peer   hive.PeerID
		amount int64 // positive magnitude
	}
	var payers, receivers []open
	for _, s := range shares {
		switch {
		case s.Balance < -minPayment:
			payers = append(payers, open{peer: s.PeerID, amount: -s.Balance})
		case s.Balance > minPayment:
			receivers = append(receivers, open{peer: s.PeerID, amount: s.Balance})
		}
	}
	// Payers by (balance, peer_id) ascending: most-negative balance first.
	sort.Slice(payers, func(i, j int) bool {
		if payers[i].amount != payers[j].amount {
			return payers[i].amount > payers[j].amount
		}
		return payers[i].peer.Less(payers[j].peer)
	})
	// Receivers by (-balance, peer_id): largest credit first.
	sort.Slice(receivers, func(i, j int) bool {
		if receivers[i].amount != receivers[j].amount {
			return receivers[i].amount > receivers[j].amount
		}
		return receivers[i].peer.Less(receivers[j].peer)
	})

	var payments []Payment
	ri := 0
	for pi := range payers {
		for payers[pi].amount >= minPayment && ri < len(receivers) {
			r := &receivers[ri]
			amt := payers[pi].amount
			if r.amount < amt {
				amt = r.amount
			}
			if amt < minPayment {
				ri++
				continue
			}
			payments = append(payments, Payment{From: payers[pi].peer, To: r.peer, AmountSats: amt})
			payers[pi].amount -= amt
			r.amount -= amt
			if r.amount == 0 {
				ri++
			}
		}
	}

	sort.Slice(payments, func(i, j int) bool {
		a, b := payments[i], payments[j]
		if a.From != b.From {
			return a.From.Less(b.From)
		}
		if a.To != b.To {
			return a.To.Less(b.To)
		}
		return a.AmountSats < b.AmountSats
	})

	return &Plan{
		Version:    planVersion,
		Period:     period,
		DataHash:   dataHash,
		MinPayment: minPayment,
		Payments:   payments,
	}
}

// DataHash fingerprints the canonical contributions snapshot.
func DataHash(period string, contribs []Contribution) string {
	entries := make([]string, len(contribs))
	for i, c := range contribs {
		entries[i] = fmt.Sprintf("%s:%d:%d:%d:%d",
			c.PeerID, c.FeesEarnedSats, c.RebalanceCostsSats, c.CapacitySats, c.UptimePct)
	}
	sort.Strings(entries)
	sum := sha256.Sum256([]byte(period + "|" + strings.Join(entries, "|")))
	return hex.EncodeToString(sum[:])
}

// Hash returns the plan_hash binding execution to this exact plan.
func (p *Plan) Hash() (string, error) {
	payments := make([]map[string]interface{}, len(p.Payments))
	for i, pay := range p.Payments {
		payments[i] = map[string]interface{}{
			"from":        string(pay.From),
			"to":          string(pay.To),
			"amount_sats": pay.AmountSats,
		}
	}
	canon, err := wire.CanonicalJSON(map[string]interface{}{
		"v":           p.Version,
		"period":      p.Period,
		"data_hash":   p.DataHash,
		"min_payment": p.MinPayment,
		"payments":    payments,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ExpectedSent sums the planned outgoing transfers for peer.
func (p *Plan) ExpectedSent(peer hive.PeerID) int64 {
	var total int64
	for _, pay := range p.Payments {
		if pay.From == peer {
			total += pay.AmountSats
		}
	}
	return total
}

// Payers returns the distinct paying peers of the plan, sorted.
func (p *Plan) Payers() []hive.PeerID {
	seen := make(map[hive.PeerID]bool)
	var out []hive.PeerID
	for _, pay := range p.Payments {
		if !seen[pay.From] {
			seen[pay.From] = true
			out = append(out, pay.From)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
