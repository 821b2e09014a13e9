// Package relayer drives settlement across ledgers: it pumps bridge
// deliveries into each ledger's processor, closes the deposit loop on the
// originating ledger, and periodically sweeps stale operations.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/crossvault/middleware/pkg/bridge"
	"github.com/crossvault/middleware/pkg/settlement"
)

// Ledger is the settlement surface the engine drives on each chain.
type Ledger interface {
	LocalChain() uint32
	HandleInbound(ctx context.Context, d bridge.Delivery) (*settlement.InboundResult, error)
	ProcessBridgeCompletion(ctx context.Context, id common.Hash, attestation []byte) error
	MintSharesFromDeposit(ctx context.Context, caller common.Address, id common.Hash, vaultShares *big.Int) error
	SweepStale(ctx context.Context) (int, error)
}

// Queue drains bridge deliveries bound for a domain and attests messages
// the transport has finalized.
type Queue interface {
	Drain(destDomain uint32) []bridge.Delivery
	Attest(message []byte) []byte
}

// Node couples one ledger's processor with its bridge transport handle.
type Node struct {
	Ledger       Ledger
	Queue        Queue
	BridgeCaller common.Address
}

// Engine orchestrates message delivery and stale-operation sweeps for a set
// of settlement nodes.
type Engine struct {
	nodes  map[uint32]Node
	logger *zap.Logger

	pollInterval  time.Duration
	sweepInterval time.Duration

	ready  atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an engine with no nodes registered.
func NewEngine(pollInterval, sweepInterval time.Duration, logger *zap.Logger) *Engine {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Engine{
		nodes:         make(map[uint32]Node),
		logger:        logger,
		pollInterval:  pollInterval,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// AddNode registers a settlement node. Must be called before Start.
func (e *Engine) AddNode(n Node) error {
	domain := n.Ledger.LocalChain()
	if _, ok := e.nodes[domain]; ok {
		return fmt.Errorf("node for domain %d already registered", domain)
	}
	e.nodes[domain] = n
	return nil
}

// Start launches the delivery and sweep loops.
func (e *Engine) Start(ctx context.Context) error {
	if len(e.nodes) == 0 {
		return fmt.Errorf("no nodes registered")
	}
	e.logger.Info("Starting settlement engine", zap.Int("nodes", len(e.nodes)))

	for domain := range e.nodes {
		e.wg.Add(1)
		go e.deliverLoop(ctx, domain)
	}

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.ready.Store(true)
	e.logger.Info("Settlement engine started")
	return nil
}

// Stop stops the engine and waits for the loops to drain.
func (e *Engine) Stop() {
	e.logger.Info("Stopping settlement engine")
	e.ready.Store(false)
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("Settlement engine stopped")
}

// IsReady reports whether the delivery loops are running.
func (e *Engine) IsReady() bool {
	return e.ready.Load()
}

func (e *Engine) deliverLoop(ctx context.Context, domain uint32) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Pump(ctx, domain)
		}
	}
}

// Pump drains and dispatches every delivery currently queued for domain.
// It is exported so tests and synchronous tools can step the engine without
// the ticker.
func (e *Engine) Pump(ctx context.Context, domain uint32) {
	node := e.nodes[domain]
	for _, d := range node.Queue.Drain(domain) {
		e.dispatch(ctx, node, d)
	}
}

// dispatch hands one delivery to the receiving ledger and, for deposits,
// drives the completion and share-issuance steps on the originating ledger.
func (e *Engine) dispatch(ctx context.Context, node Node, d bridge.Delivery) {
	res, err := node.Ledger.HandleInbound(ctx, d)
	if err != nil {
		if errors.Is(err, settlement.ErrDuplicateMessage) {
			e.logger.Debug("Dropped duplicate delivery", zap.Uint64("nonce", d.Nonce))
			return
		}
		// Failed payloads are final on this leg. The source ledger's
		// timeout recovery unwinds them.
		e.logger.Warn("Inbound delivery failed",
			zap.Uint64("nonce", d.Nonce),
			zap.Uint32("source_domain", d.SourceDomain),
			zap.Error(err))
		return
	}
	if res == nil || res.Kind != bridge.PayloadDeposit {
		return
	}

	source, ok := e.nodes[d.SourceDomain]
	if !ok {
		e.logger.Error("No node for source domain",
			zap.Uint32("source_domain", d.SourceDomain),
			zap.String("id", res.ID.Hex()))
		return
	}

	msg := bridge.CompletionMessage(res.ID, res.Amount)
	attestation := source.Queue.Attest(msg)
	if err := source.Ledger.ProcessBridgeCompletion(ctx, res.ID, attestation); err != nil &&
		!errors.Is(err, settlement.ErrBridgeAlreadyCompleted) {
		e.logger.Warn("Bridge completion failed",
			zap.String("id", res.ID.Hex()),
			zap.Error(err))
		return
	}

	if err := source.Ledger.MintSharesFromDeposit(ctx, source.BridgeCaller, res.ID, res.Shares); err != nil {
		e.logger.Warn("Share issuance failed",
			zap.String("id", res.ID.Hex()),
			zap.Error(err))
		return
	}

	e.logger.Info("Deposit settled",
		zap.String("id", res.ID.Hex()),
		zap.String("shares", res.Shares.String()))
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep runs one stale-operation pass over every node.
func (e *Engine) Sweep(ctx context.Context) {
	for domain, node := range e.nodes {
		recovered, err := node.Ledger.SweepStale(ctx)
		if err != nil {
			e.logger.Error("Stale sweep failed",
				zap.Uint32("domain", domain),
				zap.Error(err))
			continue
		}
		if recovered > 0 {
			e.logger.Info("Stale operations recovered",
				zap.Uint32("domain", domain),
				zap.Int("count", recovered))
		}
	}
}
