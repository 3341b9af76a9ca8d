package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"log/slog"

	"github.com/lnhive/hived/internal/config"
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/metrics"
	"github.com/lnhive/hived/internal/wire"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 1 << 20 // matches the codec frame cap
	sendBuffer = 256     // per-peer outbound queue
	inboundCap = 1024
)

// peerIDHeader carries the connecting node's pubkey during the upgrade.
const peerIDHeader = "X-Hive-Peer-Id"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peer connections are node-to-node, not browser-originated; envelope
	// signatures authenticate the content.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocket is the production peer transport.
type WebSocket struct {
	self    hive.PeerID
	vpnMode config.VPNMode
	vpnNets []*net.IPNet
	log     *slog.Logger
	met     *metrics.Metrics

	inbound chan Inbound

	mu     sync.RWMutex
	peers  map[hive.PeerID]*peerConn
	closed bool
}

// peerConn owns one live connection. All writes go through the send channel
// to a single writePump goroutine; readPump is the only reader.
type peerConn struct {
	peer hive.PeerID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewWebSocket creates the transport. VPN gating applies at accept and dial
// time according to mode.
func NewWebSocket(self hive.PeerID, mode config.VPNMode, nets []*net.IPNet, met *metrics.Metrics, log *slog.Logger) *WebSocket {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocket{
		self:    self,
		vpnMode: mode,
		vpnNets: nets,
		log:     log.With("component", "transport"),
		met:     met,
		inbound: make(chan Inbound, inboundCap),
		peers:   make(map[hive.PeerID]*peerConn),
	}
}

// HandlePeer upgrades an inbound HTTP request to a peer connection.
func (t *WebSocket) HandlePeer(w http.ResponseWriter, r *http.Request) {
	peer := hive.PeerID(strings.ToLower(r.Header.Get(peerIDHeader)))
	if peer == "" {
		http.Error(w, "missing peer id header", http.StatusBadRequest)
		return
	}
	if !t.admitAddr(r.RemoteAddr) {
		t.log.Warn("peer rejected by vpn gate", "peer", peer.Short(), "addr", r.RemoteAddr)
		http.Error(w, "address not admitted", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	t.register(peer, conn)
}

// Dial connects out to a seed peer given as "pubkey@host:port".
func (t *WebSocket) Dial(ctx context.Context, seed string) error {
	pub, addr, ok := strings.Cut(seed, "@")
	if !ok {
		return hive.Validationf("seed peer %q: want pubkey@host:port", seed)
	}
	peer := hive.PeerID(strings.ToLower(pub))
	if peer == t.self {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && !t.admitHost(host) {
		return hive.Validationf("seed peer %s outside vpn subnets", peer.Short())
	}

	header := http.Header{}
	header.Set(peerIDHeader, string(t.self))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+"/peer", header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, hive.ErrUnavailable)
	}
	t.register(peer, conn)
	return nil
}

// admitAddr applies the vpn_mode policy to a remote "host:port".
func (t *WebSocket) admitAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return t.admitHost(host)
}

func (t *WebSocket) admitHost(host string) bool {
	if t.vpnMode == config.VPNAny || len(t.vpnNets) == 0 {
		return true
	}
	ip := net.ParseIP(host)
	inVPN := false
	if ip != nil {
		for _, n := range t.vpnNets {
			if n.Contains(ip) {
				inVPN = true
				break
			}
		}
	}
	if inVPN {
		return true
	}
	if t.vpnMode == config.VPNPreferred {
		t.log.Warn("peer outside vpn subnets admitted (vpn-preferred)", "host", host)
		return true
	}
	return false // vpn-only
}

func (t *WebSocket) register(peer hive.PeerID, conn *websocket.Conn) {
	pc := &peerConn{
		peer: peer,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := t.peers[peer]; ok {
		// Newest connection wins; the old pumps exit on their closed conn.
		old.shutdown()
	}
	t.peers[peer] = pc
	n := len(t.peers)
	t.mu.Unlock()

	if t.met != nil {
		t.met.PeersConnected.Set(float64(n))
	}
	t.log.Info("peer connected", "peer", peer.Short(), "peers", n)

	go t.writePump(pc)
	go t.readPump(pc)
}

func (t *WebSocket) unregister(pc *peerConn) {
	pc.shutdown()

	t.mu.Lock()
	if t.peers[pc.peer] == pc {
		delete(t.peers, pc.peer)
	}
	n := len(t.peers)
	t.mu.Unlock()

	if t.met != nil {
		t.met.PeersConnected.Set(float64(n))
	}
	t.log.Info("peer disconnected", "peer", pc.peer.Short(), "peers", n)
}

func (pc *peerConn) shutdown() {
	pc.once.Do(func() {
		close(pc.done)
		pc.conn.Close()
	})
}

// Send implements Transport. Never blocks: a full queue drops the envelope.
func (t *WebSocket) Send(peer hive.PeerID, env *wire.Envelope) error {
	t.mu.RLock()
	pc, ok := t.peers[peer]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected: %w", peer.Short(), hive.ErrUnavailable)
	}

	data, err := wire.EncodeBinary(env)
	if err != nil {
		return err
	}
	select {
	case pc.send <- data:
		return nil
	default:
		if t.met != nil {
			t.met.OutboundDrops.WithLabelValues(peer.Short()).Inc()
		}
		t.log.Warn("outbound queue full, dropping", "peer", peer.Short(), "kind", env.Type)
		return fmt.Errorf("outbound queue full for %s: %w", peer.Short(), hive.ErrUnavailable)
	}
}

// Peers implements Transport.
func (t *WebSocket) Peers() []hive.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]hive.PeerID, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Inbound implements Transport.
func (t *WebSocket) Inbound() <-chan Inbound { return t.inbound }

// Close implements Transport.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*peerConn, 0, len(t.peers))
	for _, pc := range t.peers {
		conns = append(conns, pc)
	}
	t.peers = map[hive.PeerID]*peerConn{}
	t.mu.Unlock()

	for _, pc := range conns {
		pc.shutdown()
	}
	return nil
}

// writePump is the only goroutine writing to pc.conn.
func (t *WebSocket) writePump(pc *peerConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.unregister(pc)
	}()

	for {
		select {
		case data := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				t.log.Warn("write failed", "peer", pc.peer.Short(), "error", err)
				return
			}
		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pc.done:
			pc.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump is the only goroutine reading from pc.conn. Delivering inbound
// messages blocks rather than drops, so per-peer ordering holds all the way
// to the dispatcher.
func (t *WebSocket) readPump(pc *peerConn) {
	defer t.unregister(pc)

	pc.conn.SetReadLimit(maxMsgSize)
	pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.log.Warn("read failed", "peer", pc.peer.Short(), "error", err)
			}
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			t.log.Warn("undecodable envelope", "peer", pc.peer.Short(), "error", err)
			continue
		}

		select {
		case t.inbound <- Inbound{From: pc.peer, Envelope: env}:
		case <-pc.done:
			return
		}
	}
}

var _ Transport = (*WebSocket)(nil)
