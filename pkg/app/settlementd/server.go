// Package settlementd implements app.Runner for the settlement node process.
package settlementd

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/pkg/app/httpserver"
	"github.com/crossvault/middleware/pkg/bridge"
	"github.com/crossvault/middleware/pkg/config"
	storedb "github.com/crossvault/middleware/pkg/db"
	"github.com/crossvault/middleware/pkg/evm"
	"github.com/crossvault/middleware/pkg/pgutil"
	"github.com/crossvault/middleware/pkg/position"
	"github.com/crossvault/middleware/pkg/registry"
	"github.com/crossvault/middleware/pkg/relayer"
	"github.com/crossvault/middleware/pkg/settlement"
	"github.com/crossvault/middleware/pkg/vault"
)

const (
	defaultHTTPMiddlewareTimeout = 60 * time.Second
	defaultHTTPReadTimeout       = 15 * time.Second
	defaultHTTPWriteTimeout      = 15 * time.Second
	defaultHTTPIdleTimeout       = 60 * time.Second
)

// Server holds configuration for the settlement node process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new settlement node Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the settlement engine and the operational HTTP server.
// It blocks until an OS shutdown signal is received or a fatal server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting cross-chain vault settlement node",
		zap.Uint32("domain", cfg.Chain.Domain))

	bunDB, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect settlement db: %w", err)
	}
	defer func() { _ = bunDB.Close() }()
	logger.Info("Database connection established")
	store := storedb.NewStore(bunDB)

	chainClient, err := evm.NewClient(&cfg.Chain, logger)
	if err != nil {
		return fmt.Errorf("initialize chain client: %w", err)
	}
	defer chainClient.Close()

	assetAddr := common.HexToAddress(cfg.Chain.AssetAddress)
	asset, err := evm.NewERC20(chainClient, assetAddr)
	if err != nil {
		return fmt.Errorf("bind asset token: %w", err)
	}
	receipt, err := evm.NewERC20(chainClient, common.HexToAddress(cfg.Chain.ReceiptAddress))
	if err != nil {
		return fmt.Errorf("bind receipt token: %w", err)
	}

	reg := registry.New(cfg.Chain.Domain, assetAddr, cfg.Settlement.MaxDeviationBps, logger)
	if err := registerVaults(ctx, reg, &cfg.Chain, assetAddr, func(addr common.Address) (vault.Vault, error) {
		return evm.NewVault4626(chainClient, addr)
	}); err != nil {
		return fmt.Errorf("registering vaults: %w", err)
	}
	ledger, positions := position.NewLedger(logger)

	perMessageLimit, ok := new(big.Int).SetString(cfg.Bridge.PerMessageLimit, 10)
	if !ok {
		return fmt.Errorf("malformed bridge.per_message_limit %q", cfg.Bridge.PerMessageLimit)
	}
	rateLimit, ok := new(big.Int).SetString(cfg.Bridge.RateLimit, 10)
	if !ok {
		return fmt.Errorf("malformed bridge.rate_limit %q", cfg.Bridge.RateLimit)
	}

	transport := bridge.NewMemoryTransport(cfg.Chain.Domain, perMessageLimit, []byte(cfg.Bridge.AttestationSecret))
	limiter := bridge.NewTokenBucket(rateLimit, cfg.Bridge.RateWindow)
	adapter := bridge.NewAdapter(transport, limiter, logger)

	peers, err := parsePeers(cfg.Chain.Peers)
	if err != nil {
		return err
	}

	bridgeCaller := common.HexToAddress(cfg.Chain.BridgeCaller)
	proc, err := settlement.NewProcessor(
		settlement.Config{
			LocalChain:   cfg.Chain.Domain,
			Escrow:       common.HexToAddress(cfg.Chain.EscrowAddress),
			BridgeCaller: bridgeCaller,
			Peers:        peers,
			Timeout:      cfg.Settlement.Timeout,
		},
		reg, ledger, positions, adapter, asset, receipt, store, logger,
	)
	if err != nil {
		return fmt.Errorf("create settlement processor: %w", err)
	}

	engine := relayer.NewEngine(cfg.Bridge.PollInterval, cfg.Settlement.SweepInterval, logger)
	if err := engine.AddNode(relayer.Node{
		Ledger:       proc,
		Queue:        transport,
		BridgeCaller: bridgeCaller,
	}); err != nil {
		return err
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start settlement engine: %w", err)
	}
	defer engine.Stop()

	router := s.newRouter(store, proc, engine, logger)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := newHTTPServer(serverAddr, router)

	return httpserver.ServeAndWait(ctx, logger, httpServer, cfg.Shutdown.Timeout)
}

// registerVaults populates the registry from configuration. Local vaults are
// bound through bind and activated; remote vaults are recorded handle-less so
// deposits can target them while their peer samples prices.
func registerVaults(ctx context.Context, reg *registry.Registry, chain *config.ChainConfig, asset common.Address, bind func(common.Address) (vault.Vault, error)) error {
	for _, raw := range chain.Vaults {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("malformed vault address %q", raw)
		}
		addr := common.HexToAddress(raw)
		h, err := bind(addr)
		if err != nil {
			return fmt.Errorf("binding vault %s: %w", raw, err)
		}
		if err := reg.Register(ctx, chain.Domain, addr, asset, h); err != nil {
			return err
		}
		if err := reg.SetActive(chain.Domain, addr, true); err != nil {
			return err
		}
	}
	for rawDomain, addrs := range chain.RemoteVaults {
		domain, err := strconv.ParseUint(rawDomain, 10, 32)
		if err != nil {
			return fmt.Errorf("malformed remote vault domain %q: %w", rawDomain, err)
		}
		for _, raw := range addrs {
			if !common.IsHexAddress(raw) {
				return fmt.Errorf("malformed vault address %q for domain %s", raw, rawDomain)
			}
			addr := common.HexToAddress(raw)
			if err := reg.Register(ctx, uint32(domain), addr, asset, nil); err != nil {
				return err
			}
			if err := reg.SetActive(uint32(domain), addr, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func parsePeers(raw map[string]string) (map[uint32]common.Address, error) {
	peers := make(map[uint32]common.Address, len(raw))
	for k, v := range raw {
		domain, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed peer domain %q: %w", k, err)
		}
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("malformed peer address %q for domain %s", v, k)
		}
		peers[uint32(domain)] = common.HexToAddress(v)
	}
	return peers, nil
}

func (s *Server) newRouter(store *storedb.Store, proc *settlement.Processor, engine *relayer.Engine, logger *zap.Logger) http.Handler {
	cfg := s.cfg

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !engine.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/deposits", handleListDeposits(store, logger))
		r.Get("/deposits/{id}", handleGetDeposit(store, logger))
		r.Post("/deposits/{id}/recover", handleRecoverDeposit(proc, logger))
		r.Get("/withdrawals/{id}", handleGetWithdrawal(store, logger))
		r.Post("/withdrawals/{id}/cleanup", handleCleanupWithdrawal(proc, logger))
		r.Get("/vaults", handleListVaults(proc, logger))
		r.Get("/status", handleGetStatus(proc, logger))
	})

	return r
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  defaultHTTPReadTimeout,
		WriteTimeout: defaultHTTPWriteTimeout,
		IdleTimeout:  defaultHTTPIdleTimeout,
	}
}
