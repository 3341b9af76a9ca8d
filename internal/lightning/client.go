package lightning

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lnhive/hived/internal/hive"
)

// Client speaks JSON-RPC 2.0 to the node's unix socket. Each call uses its
// own connection; the node serializes anyway and this keeps responses from
// interleaving without a multiplexer.
type Client struct {
	socketPath string
	log        *slog.Logger
	nextID     atomic.Int64
}

// NewClient builds a client for the node's RPC socket.
func NewClient(socketPath string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{socketPath: socketPath, log: log.With("component", "lightning")}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one request/response exchange. Node-unreachable conditions
// surface as ErrUnavailable so breakers and callers can distinguish them
// from node-side rejections.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial %s: %v: %w", c.socketPath, err, hive.ErrUnavailable)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	// The node delimits messages with a blank line.
	if _, err := conn.Write(append(raw, '\n', '\n')); err != nil {
		return fmt.Errorf("write %s: %v: %w", method, err, hive.ErrUnavailable)
	}

	var body []byte
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read %s: %v: %w", method, err, hive.ErrUnavailable)
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			break
		}
		body = append(body, line...)
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: node error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// msat decodes the node's millisatoshi representations: a bare number or a
// string like "12345msat".
type msat int64

func (m *msat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if len(s) > 1 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSuffix(str, "msat")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("msat value %q: %w", s, err)
	}
	*m = msat(n)
	return nil
}

// GetInfo implements RPC.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	var res NodeInfo
	if err := c.call(ctx, "getinfo", map[string]interface{}{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SignMessage implements RPC.
func (c *Client) SignMessage(ctx context.Context, msg string) (string, error) {
	var res struct {
		ZBase string `json:"zbase"`
	}
	err := c.call(ctx, "signmessage", map[string]interface{}{"message": msg}, &res)
	if err != nil {
		return "", err
	}
	return res.ZBase, nil
}

// CheckMessage implements RPC.
func (c *Client) CheckMessage(ctx context.Context, msg, zbaseSig, pubkey string) (bool, string, error) {
	params := map[string]interface{}{"message": msg, "zbase": zbaseSig}
	if pubkey != "" {
		params["pubkey"] = pubkey
	}
	var res struct {
		Verified bool   `json:"verified"`
		Pubkey   string `json:"pubkey"`
	}
	if err := c.call(ctx, "checkmessage", params, &res); err != nil {
		return false, "", err
	}
	return res.Verified, res.Pubkey, nil
}

// Pay implements RPC.
func (c *Client) Pay(ctx context.Context, bolt11 string) (*PayResult, error) {
	var res struct {
		PaymentHash     string `json:"payment_hash"`
		PaymentPreimage string `json:"payment_preimage"`
		AmountSentMsat  msat   `json:"amount_sent_msat"`
		Status          string `json:"status"`
	}
	if err := c.call(ctx, "pay", map[string]interface{}{"bolt11": bolt11}, &res); err != nil {
		return nil, err
	}
	return &PayResult{
		PaymentHash:     res.PaymentHash,
		PaymentPreimage: res.PaymentPreimage,
		AmountSentMsat:  int64(res.AmountSentMsat),
		Status:          res.Status,
	}, nil
}

// FetchInvoice implements RPC.
func (c *Client) FetchInvoice(ctx context.Context, offer string, amountMsat int64) (string, error) {
	var res struct {
		Invoice string `json:"invoice"`
	}
	err := c.call(ctx, "fetchinvoice", map[string]interface{}{
		"offer":       offer,
		"amount_msat": amountMsat,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.Invoice, nil
}

// Offer implements RPC.
func (c *Client) Offer(ctx context.Context, amount, description string) (*OfferResult, error) {
	var res OfferResult
	err := c.call(ctx, "offer", map[string]interface{}{
		"amount":      amount,
		"description": description,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListForwards implements RPC, settled forwards only.
func (c *Client) ListForwards(ctx context.Context) ([]Forward, error) {
	var res struct {
		Forwards []struct {
			InChannel    string  `json:"in_channel"`
			OutChannel   string  `json:"out_channel"`
			InMsat       msat    `json:"in_msat"`
			OutMsat      msat    `json:"out_msat"`
			FeeMsat      msat    `json:"fee_msat"`
			Status       string  `json:"status"`
			ResolvedTime float64 `json:"resolved_time"`
		} `json:"forwards"`
	}
	err := c.call(ctx, "listforwards", map[string]interface{}{"status": "settled"}, &res)
	if err != nil {
		return nil, err
	}
	forwards := make([]Forward, 0, len(res.Forwards))
	for _, f := range res.Forwards {
		sec := int64(f.ResolvedTime)
		nsec := int64((f.ResolvedTime - float64(sec)) * 1e9)
		forwards = append(forwards, Forward{
			InChannel:  f.InChannel,
			OutChannel: f.OutChannel,
			InMsat:     int64(f.InMsat),
			OutMsat:    int64(f.OutMsat),
			FeeMsat:    int64(f.FeeMsat),
			Status:     f.Status,
			ResolvedAt: time.Unix(sec, nsec),
		})
	}
	return forwards, nil
}

// FundPSBT implements RPC.
func (c *Client) FundPSBT(ctx context.Context, amountSats int64, feerate string) (*FundPSBTResult, error) {
	params := map[string]interface{}{
		"satoshi": amountSats,
		// v2 opens need startweight for the funding output.
		"startweight": 250,
	}
	if feerate != "" {
		params["feerate"] = feerate
	}
	var res struct {
		PSBT             string `json:"psbt"`
		FeeratePerKW     int64  `json:"feerate_per_kw"`
		EstimatedFinalWt int64  `json:"estimated_final_weight"`
		ExcessMsat       msat   `json:"excess_msat"`
		ChangeOutnum     int    `json:"change_outnum"`
	}
	if err := c.call(ctx, "fundpsbt", params, &res); err != nil {
		return nil, err
	}
	return &FundPSBTResult{
		PSBT:              res.PSBT,
		FeeratePerKW:      res.FeeratePerKW,
		EstimatedFinalWt:  res.EstimatedFinalWt,
		ExcessMsat:        int64(res.ExcessMsat),
		ChangeOutnum:      res.ChangeOutnum,
		ReservationsValid: true,
	}, nil
}

// OpenChannelInit implements RPC.
func (c *Client) OpenChannelInit(ctx context.Context, nodeID string, amountSats int64, psbt, feerate string, announce bool) (*OpenChannelInitResult, error) {
	params := map[string]interface{}{
		"id":          nodeID,
		"amount":      amountSats,
		"initialpsbt": psbt,
		"announce":    announce,
	}
	if feerate != "" {
		params["commitment_feerate"] = feerate
	}
	var res OpenChannelInitResult
	if err := c.call(ctx, "openchannel_init", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenChannelUpdate implements RPC.
func (c *Client) OpenChannelUpdate(ctx context.Context, channelID, psbt string) (*OpenChannelUpdateResult, error) {
	var res OpenChannelUpdateResult
	err := c.call(ctx, "openchannel_update", map[string]interface{}{
		"channel_id": channelID,
		"psbt":       psbt,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SignPSBT implements RPC.
func (c *Client) SignPSBT(ctx context.Context, psbt string) (string, error) {
	var res struct {
		SignedPSBT string `json:"signed_psbt"`
	}
	if err := c.call(ctx, "signpsbt", map[string]interface{}{"psbt": psbt}, &res); err != nil {
		return "", err
	}
	return res.SignedPSBT, nil
}

// OpenChannelSigned implements RPC.
func (c *Client) OpenChannelSigned(ctx context.Context, channelID, psbt string) (*OpenChannelSignedResult, error) {
	var res OpenChannelSignedResult
	err := c.call(ctx, "openchannel_signed", map[string]interface{}{
		"channel_id":  channelID,
		"signed_psbt": psbt,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenChannelAbort implements RPC.
func (c *Client) OpenChannelAbort(ctx context.Context, channelID string) error {
	return c.call(ctx, "openchannel_abort", map[string]interface{}{"channel_id": channelID}, nil)
}

// UnreserveInputs implements RPC.
func (c *Client) UnreserveInputs(ctx context.Context, psbt string) error {
	return c.call(ctx, "unreserveinputs", map[string]interface{}{"psbt": psbt}, nil)
}

// FundChannel implements RPC.
func (c *Client) FundChannel(ctx context.Context, nodeID string, amountSats int64, feerate string, announce bool) (*FundChannelResult, error) {
	params := map[string]interface{}{
		"id":       nodeID,
		"amount":   amountSats,
		"announce": announce,
	}
	if feerate != "" {
		params["feerate"] = feerate
	}
	var res FundChannelResult
	if err := c.call(ctx, "fundchannel", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

var _ RPC = (*Client)(nil)
