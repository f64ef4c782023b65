// Package chain defines the blocks of the audit ledger and the transaction
// payloads they carry.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smarthealth/auditchain/internal/hash"
)

const (
	// GenesisPreviousHash is the previous_hash sentinel of block 0.
	GenesisPreviousHash = "0"

	// TimestampLayout is the ISO-8601 form of the block timestamp fed to the hash.
	TimestampLayout = "2006-01-02T15:04:05.000000"

	// TimestampPrecision is the resolution every storage backend can round-trip.
	TimestampPrecision = time.Millisecond

	// DefaultDifficulty is the number of leading '0' hex digits required of a mined hash.
	DefaultDifficulty = 2

	// MaxDifficulty bounds the configured difficulty; beyond this mining stops being cheap.
	MaxDifficulty = 6

	ctxCheckInterval = 4096
)

// Block is one append-only entry of the ledger. Data holds the stored document
// form of the payload and is never mutated after the block is created.
type Block struct {
	Index        int64                  `json:"index"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
	PreviousHash string                 `json:"previous_hash"`
	Nonce        int64                  `json:"nonce"`
	Hash         string                 `json:"hash"`
}

// NewBlock builds an unmined block. The timestamp is converted to UTC and
// truncated to TimestampPrecision, and data is normalised to plain JSON values
// so the hash survives a round trip through any store.
func NewBlock(index int64, timestamp time.Time, data map[string]interface{}, previousHash string) (*Block, error) {
	if index < 0 {
		return nil, fmt.Errorf("block index must be non-negative, got %d", index)
	}

	normalized, err := NormalizeData(data)
	if err != nil {
		return nil, err
	}

	b := &Block{
		Index:        index,
		Timestamp:    timestamp.UTC().Truncate(TimestampPrecision),
		Data:         normalized,
		PreviousHash: previousHash,
	}

	h, err := b.CalculateHash()
	if err != nil {
		return nil, err
	}
	b.Hash = h

	return b, nil
}

// CalculateHash returns the digest of the block's index, timestamp, data,
// previous hash and nonce. It does not modify the block.
func (b *Block) CalculateHash() (string, error) {
	h, err := hash.Calculate(map[string]interface{}{
		"index":         b.Index,
		"timestamp":     b.Timestamp.UTC().Format(TimestampLayout),
		"data":          b.Data,
		"previous_hash": b.PreviousHash,
		"nonce":         b.Nonce,
	})
	if err != nil {
		return "", fmt.Errorf("failed to hash block %d: %w", b.Index, err)
	}
	return h, nil
}

// Mine increments the nonce until the hash has difficulty leading zeros.
// The context is polled periodically; on cancellation the block is left with
// its last tried nonce and ErrMiningAborted is returned.
func (b *Block) Mine(ctx context.Context, difficulty int) error {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return fmt.Errorf("difficulty %d out of range [0, %d]", difficulty, MaxDifficulty)
	}

	if b.Hash == "" {
		h, err := b.CalculateHash()
		if err != nil {
			return err
		}
		b.Hash = h
	}

	var attempts int
	for !MeetsDifficulty(b.Hash, difficulty) {
		attempts++
		if attempts%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w after %d attempts: %v", ErrMiningAborted, attempts, err)
			}
		}

		b.Nonce++
		h, err := b.CalculateHash()
		if err != nil {
			return err
		}
		b.Hash = h
	}

	return nil
}

// VerifyHash reports whether the stored hash matches the block's content.
func (b *Block) VerifyHash() bool {
	h, err := b.CalculateHash()
	if err != nil {
		return false
	}
	return h == b.Hash
}

// IsGenesis reports whether the block is shaped like a genesis block.
func (b *Block) IsGenesis() bool {
	return b.Index == 0 && b.PreviousHash == GenesisPreviousHash
}

// ActionType returns the action_type tag of the block's payload, or "" if absent.
func (b *Block) ActionType() ActionType {
	s, _ := b.Data[fieldActionType].(string)
	return ActionType(s)
}

// PatientID returns the patient identifier of the block's payload, or "" if absent.
func (b *Block) PatientID() string {
	s, _ := b.Data[fieldPatientID].(string)
	return s
}

// Payload decodes the block's data into its typed payload.
func (b *Block) Payload() (Payload, error) {
	return DecodePayload(b.Data)
}

// MeetsDifficulty reports whether digest starts with difficulty '0' characters.
func MeetsDifficulty(digest string, difficulty int) bool {
	return hash.HasZeroPrefix(digest, difficulty)
}

// NormalizeData converts data into plain JSON values (string, float64, bool,
// nil, []interface{}, map[string]interface{}). A nil map becomes an empty one.
func NormalizeData(data map[string]interface{}) (map[string]interface{}, error) {
	if data == nil {
		return map[string]interface{}{}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("block data is not JSON-serializable: %w", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize block data: %w", err)
	}
	return out, nil
}
