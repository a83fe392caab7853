// Package chainwatch monitors the chain for USDC transfers to the platform
// address and enqueues them as confirmed deposit events. Settlement happens
// through the queue like every other provider, so on-chain deposits get the
// same idempotency and retry treatment as webhook payments.
package chainwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/paycore-io/paycore/internal/queue"
	"github.com/paycore-io/paycore/internal/settlement"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Enqueuer accepts deposit events for settlement.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev *queue.Event) error
}

// AddressResolver maps a sender address to a platform user. Transfers from
// unknown addresses are logged and skipped.
type AddressResolver interface {
	UserID(ctx context.Context, address string) (string, bool)
}

// Config for the chain watcher.
type Config struct {
	RPCURL          string
	USDCContract    common.Address
	PlatformAddress common.Address
	PollInterval    time.Duration
	Confirmations   uint64 // Blocks a transfer must be buried under before it counts
	StartBlock      uint64 // 0 = latest
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  15 * time.Second,
		Confirmations: 12,
	}
}

// Watcher polls for incoming USDC transfers.
type Watcher struct {
	client   *ethclient.Client
	config   Config
	enqueuer Enqueuer
	resolver AddressResolver
	logger   *slog.Logger

	// Enqueued tx hashes, so one poll window does not produce duplicate
	// events. Settlement stays idempotent regardless.
	seen map[string]bool
	mu   sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a chain watcher.
func New(cfg Config, enqueuer Enqueuer, resolver AddressResolver, logger *slog.Logger) (*Watcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:   client,
		config:   cfg,
		enqueuer: enqueuer,
		resolver: resolver,
		logger:   logger,
		seen:     make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins polling for deposits.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("chain watcher started",
		"platform", w.config.PlatformAddress.Hex(),
		"usdc", w.config.USDCContract.Hex(),
		"startBlock", w.lastBlock,
		"confirmations", w.config.Confirmations,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Only blocks buried under the confirmation depth are final enough.
	if currentBlock < w.config.Confirmations {
		return nil
	}
	confirmedHead := currentBlock - w.config.Confirmations
	if confirmedHead <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(confirmedHead),
		Addresses: []common.Address{w.config.USDCContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // Any from address
			{common.BytesToHash(w.config.PlatformAddress.Bytes())},
		},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}

	w.lastBlock = confirmedHead
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	w.mu.Lock()
	if w.seen[txHash] {
		w.mu.Unlock()
		return nil
	}
	w.seen[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the next poll retries the transfer.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.seen, txHash)
			w.mu.Unlock()
		}
	}()

	// Topics[1] = from (indexed), Topics[2] = to (indexed), Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	from := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
	amount := formatUSDC(new(big.Int).SetBytes(vLog.Data))

	userID, ok := w.resolver.UserID(ctx, from)
	if !ok {
		w.logger.Info("transfer from unknown address, skipping",
			"from", from, "amount", amount, "tx", txHash)
		succeeded = true
		return nil
	}

	req := settlement.Request{
		Provider:     "chain",
		ExternalTxID: txHash,
		UserID:       userID,
		AmountNative: amount,
		Currency:     "USDC",
		AmountUSD:    amount,
		Confirmed:    true,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ev := queue.NewEvent("chain", "transfer", payload, "", queue.PriorityHigh, 5)
	if err := w.enqueuer.Enqueue(ctx, ev); err != nil {
		return fmt.Errorf("failed to enqueue deposit: %w", err)
	}

	w.logger.Info("deposit enqueued",
		"user_id", userID, "amount", amount, "tx", txHash, "event_id", ev.ID)
	succeeded = true
	return nil
}

// formatUSDC converts a raw 6-decimal USDC amount to a decimal string.
func formatUSDC(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	s := amount.String()
	for len(s) < 7 {
		s = "0" + s
	}
	decimal := len(s) - 6
	return s[:decimal] + "." + s[decimal:]
}
