package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/smarthealth/auditchain/internal/chain"
)

type VerifyResult struct {
	Valid         bool   `json:"valid"`
	BlocksChecked int64  `json:"blocks_checked"`
	FailedIndex   int64  `json:"failed_index,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Verify walks the stored chain in index order and stops at the first block
// that fails. Blocks appended after the scan started may not be covered.
func (l *Ledger) Verify(ctx context.Context) (*VerifyResult, error) {
	result := &VerifyResult{Valid: true}

	var prev *chain.Block
	err := l.store.Iterate(ctx, func(b *chain.Block) error {
		if err := checkBlock(prev, b); err != nil {
			return err
		}
		result.BlocksChecked++
		prev = b
		return nil
	})

	var ie *IntegrityError
	if errors.As(err, &ie) {
		result.Valid = false
		result.FailedIndex = ie.Index
		result.Reason = ie.Reason
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chain: %w", err)
	}

	return result, nil
}

func checkBlock(prev, b *chain.Block) error {
	if prev == nil {
		if b.Index != 0 {
			return NewIntegrityError(b.Index, "chain does not start at index 0")
		}
		if b.PreviousHash != chain.GenesisPreviousHash {
			return NewIntegrityError(b.Index, "genesis previous_hash is not \"0\"")
		}
		if !b.VerifyHash() {
			return NewIntegrityError(b.Index, "hash does not match block content")
		}
		return nil
	}

	if b.Index != prev.Index+1 {
		return NewIntegrityError(b.Index, fmt.Sprintf("index gap after block %d", prev.Index))
	}
	if !b.VerifyHash() {
		return NewIntegrityError(b.Index, "hash does not match block content")
	}
	if b.PreviousHash != prev.Hash {
		return NewIntegrityError(b.Index, "previous_hash does not match hash of previous block")
	}
	return nil
}

// VerifyChainIntegrity reports whether the whole chain verifies. Failures and
// storage errors are logged and reported as false.
func (l *Ledger) VerifyChainIntegrity(ctx context.Context) bool {
	result, err := l.Verify(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("chain verification failed")
		return false
	}

	if !result.Valid {
		l.logger.Error().
			Int64("index", result.FailedIndex).
			Str("reason", result.Reason).
			Int64("blocks_checked", result.BlocksChecked).
			Msg("chain integrity compromised")
		return false
	}

	l.logger.Debug().Int64("blocks_checked", result.BlocksChecked).Msg("chain integrity verified")
	return true
}
