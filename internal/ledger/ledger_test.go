package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smarthealth/auditchain/internal/chain"
	"github.com/smarthealth/auditchain/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

// Now advances one second per call so every block gets a distinct timestamp.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "auditchain-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := storage.NewBoltStore(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })

	return store
}

func newTestLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	return New(store, Config{Difficulty: 1, MiningTimeout: 10 * time.Second, AppendRetries: 3}, zerolog.Nop())
}

func access(patientID, accessedBy string) chain.DataAccessPayload {
	return chain.DataAccessPayload{
		PatientID:      patientID,
		AccessedBy:     accessedBy,
		AccessType:     "read",
		DataType:       "profile",
		Timestamp:      "2026-05-01T12:00:00",
		AdditionalInfo: map[string]interface{}{},
	}
}

func allBlocks(t *testing.T, store Store) []*chain.Block {
	t.Helper()
	var blocks []*chain.Block
	err := store.Iterate(context.Background(), func(b *chain.Block) error {
		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	return blocks
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := newTestLedger(t, store)

	if err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	blocks := allBlocks(t, store)
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 block, got %d", len(blocks))
	}

	genesis := blocks[0]
	if genesis.Index != 0 {
		t.Errorf("Expected index 0, got %d", genesis.Index)
	}
	if genesis.PreviousHash != "0" {
		t.Errorf("Expected previous hash \"0\", got %q", genesis.PreviousHash)
	}
	if genesis.ActionType() != chain.ActionGenesis {
		t.Errorf("Expected genesis action, got %s", genesis.ActionType())
	}
	if genesis.Data["message"] != GenesisMessage || genesis.Data["created_by"] != "system" {
		t.Errorf("Unexpected genesis payload: %v", genesis.Data)
	}
	if !chain.MeetsDifficulty(genesis.Hash, 1) {
		t.Errorf("Genesis hash %s not mined", genesis.Hash)
	}
	if !l.VerifyChainIntegrity(ctx) {
		t.Error("Fresh chain should verify")
	}
}

func TestInitializeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := newTestLedger(t, store)

	if err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	first, _ := l.LatestBlock(ctx)

	if err := l.Initialize(ctx); err != nil {
		t.Fatalf("Second Initialize failed: %v", err)
	}

	blocks := allBlocks(t, store)
	if len(blocks) != 1 {
		t.Fatalf("Expected 1 block after second Initialize, got %d", len(blocks))
	}
	if blocks[0].Hash != first.Hash {
		t.Error("Genesis block changed on second Initialize")
	}
}

func TestConcurrentInitialize(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Separate ledgers share no mutex, like separate processes on one store.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- newTestLedger(t, store).Initialize(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Initialize failed: %v", err)
		}
	}

	if n := len(allBlocks(t, store)); n != 1 {
		t.Errorf("Expected exactly one genesis block, got %d blocks", n)
	}
}

func TestLatestBlockEmpty(t *testing.T) {
	l := newTestLedger(t, newTestStore(t))

	latest, err := l.LatestBlock(context.Background())
	if err != nil {
		t.Fatalf("LatestBlock failed: %v", err)
	}
	if latest != nil {
		t.Errorf("Expected nil on empty chain, got block %d", latest.Index)
	}
}

func TestAddTransactionInitializesChain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := newTestLedger(t, store)

	h, err := l.AddTransaction(ctx, access("P1", "D1"))
	if err != nil {
		t.Fatalf("AddTransaction failed: %v", err)
	}

	blocks := allBlocks(t, store)
	if len(blocks) != 2 {
		t.Fatalf("Expected genesis plus one block, got %d", len(blocks))
	}
	if !blocks[0].IsGenesis() {
		t.Error("Expected block 0 to be genesis")
	}
	if blocks[1].Hash != h {
		t.Errorf("Expected returned hash %s, stored %s", h, blocks[1].Hash)
	}
}

func TestAddTransactionLinksChain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := New(store, Config{Difficulty: 2, MiningTimeout: 10 * time.Second}, zerolog.Nop())

	const n = 6
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		h, err := l.AddTransaction(ctx, access("P1", fmt.Sprintf("D%d", i)))
		if err != nil {
			t.Fatalf("AddTransaction %d failed: %v", i, err)
		}
		hashes = append(hashes, h)
	}

	blocks := allBlocks(t, store)
	if len(blocks) != n+1 {
		t.Fatalf("Expected %d blocks, got %d", n+1, len(blocks))
	}

	for i := 1; i < len(blocks); i++ {
		if blocks[i].Index != int64(i) {
			t.Errorf("Expected index %d, got %d", i, blocks[i].Index)
		}
		if blocks[i].PreviousHash != blocks[i-1].Hash {
			t.Errorf("Block %d not linked to block %d", i, i-1)
		}
		if !chain.MeetsDifficulty(blocks[i].Hash, 2) {
			t.Errorf("Block %d hash %s does not meet difficulty", i, blocks[i].Hash)
		}
		if blocks[i].Hash != hashes[i-1] {
			t.Errorf("Block %d hash differs from returned hash", i)
		}
		if !blocks[i].Timestamp.After(blocks[i-1].Timestamp) && !blocks[i].Timestamp.Equal(blocks[i-1].Timestamp) {
			t.Errorf("Block %d timestamp goes backwards", i)
		}
	}

	if !l.VerifyChainIntegrity(ctx) {
		t.Error("Appended chain should verify")
	}
}

func TestAddTransactionRejectsInvalidPayloads(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := newTestLedger(t, store)

	if _, err := l.AddTransaction(ctx, nil); err == nil {
		t.Error("Expected error for nil payload")
	}
	if _, err := l.AddTransaction(ctx, chain.GenesisPayload{Message: "again"}); err == nil {
		t.Error("Expected error for genesis payload")
	}
	if n := len(allBlocks(t, store)); n != 0 {
		t.Errorf("Rejected payloads should not touch storage, got %d blocks", n)
	}
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	l := newTestLedger(t, store)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.AddTransaction(ctx, access(fmt.Sprintf("P%d", i%3), fmt.Sprintf("D%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("AddTransaction failed: %v", err)
		}
	}

	if n := len(allBlocks(t, store)); n != writers+1 {
		t.Errorf("Expected %d blocks, got %d", writers+1, n)
	}
	if !l.VerifyChainIntegrity(ctx) {
		t.Error("Concurrently appended chain should verify")
	}
}

// racingStore lets another writer take the next index just before the
// wrapped ledger inserts.
type racingStore struct {
	Store
	once  sync.Once
	race  func()
	calls int
}

func (s *racingStore) Insert(ctx context.Context, b *chain.Block) error {
	s.calls++
	if b.Index > 0 {
		s.once.Do(s.race)
	}
	return s.Store.Insert(ctx, b)
}

func TestAddTransactionRetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	other := newTestLedger(t, store)

	racing := &racingStore{Store: store}
	racing.race = func() {
		if _, err := other.AddTransaction(ctx, access("P1", "other-writer")); err != nil {
			t.Errorf("Competing append failed: %v", err)
		}
	}
	l := newTestLedger(t, racing)

	if err := l.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	h, err := l.AddTransaction(ctx, access("P1", "D1"))
	if err != nil {
		t.Fatalf("AddTransaction failed: %v", err)
	}

	blocks := allBlocks(t, store)
	if len(blocks) != 3 {
		t.Fatalf("Expected 3 blocks, got %d", len(blocks))
	}
	if blocks[1].Data["accessed_by"] != "other-writer" {
		t.Errorf("Expected competing block at index 1, got %v", blocks[1].Data)
	}
	if blocks[2].Hash != h || blocks[2].PreviousHash != blocks[1].Hash {
		t.Error("Retried block should be re-mined on top of the competing block")
	}
	if !l.VerifyChainIntegrity(ctx) {
		t.Error("Chain should verify after retry")
	}
}

type conflictStore struct {
	Store
	inserts int
}

func (s *conflictStore) Insert(ctx context.Context, b *chain.Block) error {
	if b.Index == 0 {
		return s.Store.Insert(ctx, b)
	}
	s.inserts++
	return fmt.Errorf("%w: %d", chain.ErrDuplicateIndex, b.Index)
}

func TestAddTransactionConflictExhausted(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{Store: newTestStore(t)}
	l := New(store, Config{Difficulty: 1, MiningTimeout: time.Second, AppendRetries: 2}, zerolog.Nop())

	_, err := l.AddTransaction(ctx, access("P1", "D1"))
	if !errors.Is(err, ErrAppendConflict) {
		t.Fatalf("Expected ErrAppendConflict, got %v", err)
	}
	if store.inserts != 3 {
		t.Errorf("Expected 3 insert attempts, got %d", store.inserts)
	}
}

type failingStore struct {
	Store
	err error
}

func (s *failingStore) Insert(ctx context.Context, b *chain.Block) error {
	return s.err
}

func TestAddTransactionPropagatesStorageError(t *testing.T) {
	unavailable := errors.New("storage unavailable")
	l := newTestLedger(t, &failingStore{Store: newTestStore(t), err: unavailable})

	_, err := l.AddTransaction(context.Background(), access("P1", "D1"))
	if !errors.Is(err, unavailable) {
		t.Fatalf("Expected storage error, got %v", err)
	}
}

func TestMiningTimeout(t *testing.T) {
	l := New(newTestStore(t), Config{Difficulty: chain.MaxDifficulty, MiningTimeout: time.Millisecond}, zerolog.Nop())

	_, err := l.AddTransaction(context.Background(), access("P1", "D1"))
	if !errors.Is(err, chain.ErrMiningAborted) {
		t.Fatalf("Expected ErrMiningAborted, got %v", err)
	}
}
