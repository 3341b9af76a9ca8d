// hived is the hive coordinator daemon: it joins the fleet over the peer
// wire, gossips state, exchanges credentials, and drives the weekly
// settlement, exposing the operator command surface over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gmux "github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/lnhive/hived/internal/api"
	"github.com/lnhive/hived/internal/config"
	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/hub"
	"github.com/lnhive/hived/internal/identity"
	"github.com/lnhive/hived/internal/intent"
	"github.com/lnhive/hived/internal/lightning"
	"github.com/lnhive/hived/internal/logging"
	"github.com/lnhive/hived/internal/management"
	"github.com/lnhive/hived/internal/membership"
	"github.com/lnhive/hived/internal/metrics"
	"github.com/lnhive/hived/internal/reputation"
	"github.com/lnhive/hived/internal/settlement"
	"github.com/lnhive/hived/internal/store"
	"github.com/lnhive/hived/internal/transport"
	"github.com/lnhive/hived/internal/wire"
)

func main() {
	configPath := flag.String("config", "hived.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hived: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	handler := logging.NewBatchHandler(os.Stderr, logging.WithLevel(parseLevel(cfg.Logging.Level)))
	defer handler.Close()
	log := slog.New(handler)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node := lightning.NewClient(cfg.Lightning.RPCSocket, log)

	signer, err := buildSigner(ctx, cfg, node, log)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	self := hive.PeerID(signer.Info().Pubkey)
	log.Info("identity established", "peer_id", self.Short(), "mode", cfg.Identity.Mode)

	st, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	members, err := membership.NewManager(ctx, self, st, log)
	if err != nil {
		return fmt.Errorf("membership: %w", err)
	}

	var rdb *redis.Client
	if cfg.Cache.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		defer rdb.Close()
	}
	cache := reputation.NewCache(rdb, st, log)
	rep := reputation.NewManager(self, signer, st, members, cache, log)
	mgmt := management.NewManager(self, signer, st, log)
	intents := intent.NewCoordinator(self, log)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	tr := transport.NewWebSocket(self, cfg.Hive.VPNMode, cfg.VPNNets(), met, log)
	defer tr.Close()

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
		Metrics:          met,
		Log:              log,
		Governance:       cfg.Hive.GovernanceMode,
		RelayTTL:         cfg.Hive.RelayTTLDefault,
		RequiredMessages: cfg.Hive.RequiredMessages,
		FeerateGateSatVB: cfg.Hive.FeerateGateSatVB,
		SettlementOn:     cfg.Settlement.Enabled,
	})

	mode := settlement.ModeStandard
	if cfg.Settlement.NetworkAware {
		mode = settlement.ModeNetworkOptimized
	}
	engine := settlement.NewEngine(self, signer, st, members, node, h, mode, log)
	h.SetSettlement(engine)

	// Peer wire listener.
	peerMux := gmux.NewRouter()
	peerMux.HandleFunc("/peer", tr.HandlePeer)
	peerSrv := &http.Server{Addr: cfg.Server.PeerListenAddr, Handler: peerMux}
	go func() {
		log.Info("peer wire listening", "addr", cfg.Server.PeerListenAddr)
		if err := peerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("peer listener failed", "error", err)
			stop()
		}
	}()

	// Command surface.
	apiSrv := &http.Server{
		Addr: cfg.Server.ListenAddr,
		Handler: api.NewServer(api.Options{
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
			Opener:     lightning.NewOpener(node, cfg.Lightning.MaxUpdateRounds, log),
			Registry:   reg,
			Log:        log,
		}).Router(),
	}
	go func() {
		log.Info("command surface listening", "addr", cfg.Server.ListenAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api listener failed", "error", err)
			stop()
		}
	}()

	go h.Run(ctx)

	dialSeeds(ctx, cfg.Hive.Peers, tr, h, log)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiSrv.Shutdown(shutdownCtx)
	peerSrv.Shutdown(shutdownCtx)
	h.Stop()
	return nil
}

func buildSigner(ctx context.Context, cfg *config.Config, node lightning.RPC, log *slog.Logger) (identity.Signer, error) {
	if cfg.Identity.Mode == config.IdentityRemote {
		return identity.NewRemote(ctx, cfg.Identity.RemoteSignerAddr, cfg.Identity.SignTimeout, log)
	}
	return identity.NewLocal(ctx, node, cfg.Identity.SignTimeout, log)
}

// dialSeeds connects the configured seed peers and announces ourselves to
// each. Failures are logged and skipped; gossip repairs the rest.
func dialSeeds(ctx context.Context, seeds []string, tr *transport.WebSocket, h *hub.Hub, log *slog.Logger) {
	for _, seed := range seeds {
		if err := tr.Dial(ctx, seed); err != nil {
			log.Warn("seed dial failed", "seed", seed, "error", err)
			continue
		}
	}
	// Seeds are not members yet, so greet each connection directly.
	for _, peer := range tr.Peers() {
		err := h.SendTo(ctx, peer, wire.KindHello, map[string]interface{}{
			"capabilities": []string{"settlement", "management", "reputation"},
			"timestamp":    time.Now().Unix(),
		})
		if err != nil {
			log.Warn("hello failed", "peer", peer.Short(), "error", err)
		}
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
