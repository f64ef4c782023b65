// Package ledger appends audit events to the hash chain and verifies it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/chain"
)

const GenesisMessage = "Smart Health Consulting Services - Genesis Block"

// Store is the persistence the ledger needs. Insert must fail with
// chain.ErrDuplicateIndex when the index is already taken, and Iterate must
// visit blocks in ascending index order.
type Store interface {
	Latest(ctx context.Context) (*chain.Block, error)
	Insert(ctx context.Context, b *chain.Block) error
	Iterate(ctx context.Context, fn func(*chain.Block) error) error
	Find(ctx context.Context, filter chain.Filter) ([]*chain.Block, error)
	Count(ctx context.Context, filter chain.Filter) (int64, error)
	ActionHistogram(ctx context.Context) (map[string]int64, error)
}

type Config struct {
	Difficulty    int
	MiningTimeout time.Duration
	AppendRetries int
}

func DefaultConfig() Config {
	return Config{
		Difficulty:    chain.DefaultDifficulty,
		MiningTimeout: 30 * time.Second,
		AppendRetries: 3,
	}
}

type Ledger struct {
	store  Store
	cfg    Config
	logger zerolog.Logger

	// mu serializes read-latest, mine and insert within this process.
	mu  sync.Mutex
	now func() time.Time
}

func New(store Store, cfg Config, logger zerolog.Logger) *Ledger {
	if cfg.MiningTimeout <= 0 {
		cfg.MiningTimeout = DefaultConfig().MiningTimeout
	}
	if cfg.AppendRetries < 0 {
		cfg.AppendRetries = 0
	}

	return &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    time.Now,
	}
}

func (l *Ledger) Difficulty() int {
	return l.cfg.Difficulty
}

// Initialize stores the genesis block if the chain is empty. Losing a
// concurrent genesis race is not an error.
func (l *Ledger) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.head(ctx)
	return err
}

func (l *Ledger) LatestBlock(ctx context.Context) (*chain.Block, error) {
	b, err := l.store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	return b, nil
}

// AddTransaction mines a block carrying payload on top of the current head
// and returns its hash.
func (l *Ledger) AddTransaction(ctx context.Context, payload chain.Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("payload is required")
	}
	if payload.ActionType() == chain.ActionGenesis {
		return "", fmt.Errorf("genesis payload cannot be appended")
	}

	data, err := chain.EncodePayload(payload)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for attempt := 0; attempt <= l.cfg.AppendRetries; attempt++ {
		latest, err := l.head(ctx)
		if err != nil {
			return "", err
		}

		b, err := chain.NewBlock(latest.Index+1, l.now(), data, latest.Hash)
		if err != nil {
			return "", fmt.Errorf("failed to build block: %w", err)
		}

		if err := l.mine(ctx, b); err != nil {
			return "", err
		}

		err = l.store.Insert(ctx, b)
		if err == nil {
			l.logger.Debug().
				Int64("index", b.Index).
				Str("action_type", string(payload.ActionType())).
				Int64("nonce", b.Nonce).
				Str("hash", b.Hash).
				Msg("block appended")
			return b.Hash, nil
		}
		if !errors.Is(err, chain.ErrDuplicateIndex) {
			return "", fmt.Errorf("failed to persist block %d: %w", b.Index, err)
		}

		l.logger.Warn().
			Int64("index", b.Index).
			Int("attempt", attempt+1).
			Msg("index taken by another writer, retrying append")
	}

	return "", fmt.Errorf("%w after %d attempts", ErrAppendConflict, l.cfg.AppendRetries+1)
}

// head returns the latest block, creating genesis first when the chain is
// empty. Callers must hold mu.
func (l *Ledger) head(ctx context.Context) (*chain.Block, error) {
	latest, err := l.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		return latest, nil
	}

	genesis, err := l.newGenesis(ctx)
	if err != nil {
		return nil, err
	}

	err = l.store.Insert(ctx, genesis)
	switch {
	case err == nil:
		l.logger.Info().Str("hash", genesis.Hash).Msg("genesis block created")
		return genesis, nil
	case errors.Is(err, chain.ErrDuplicateIndex):
		l.logger.Debug().Msg("genesis already created by another writer")
	default:
		return nil, fmt.Errorf("failed to persist genesis block: %w", err)
	}

	latest, err = l.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, chain.ErrEmptyChain
	}
	return latest, nil
}

func (l *Ledger) newGenesis(ctx context.Context) (*chain.Block, error) {
	data, err := chain.EncodePayload(chain.GenesisPayload{
		Message:   GenesisMessage,
		CreatedBy: "system",
	})
	if err != nil {
		return nil, err
	}

	b, err := chain.NewBlock(0, l.now(), data, chain.GenesisPreviousHash)
	if err != nil {
		return nil, fmt.Errorf("failed to build genesis block: %w", err)
	}

	if err := l.mine(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (l *Ledger) mine(ctx context.Context, b *chain.Block) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.MiningTimeout)
	defer cancel()

	start := time.Now()
	if err := b.Mine(ctx, l.cfg.Difficulty); err != nil {
		return fmt.Errorf("failed to mine block %d: %w", b.Index, err)
	}

	l.logger.Debug().
		Int64("index", b.Index).
		Int("difficulty", l.cfg.Difficulty).
		Dur("elapsed", time.Since(start)).
		Msg("block mined")
	return nil
}
