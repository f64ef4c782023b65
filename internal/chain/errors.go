package chain

import "errors"

var (
	// ErrDuplicateIndex is returned by a store when a block with the same index already exists.
	ErrDuplicateIndex = errors.New("block index already exists")

	// ErrMiningAborted is returned when mining is cancelled before a valid nonce is found.
	ErrMiningAborted = errors.New("mining aborted")

	// ErrUnknownAction is returned when a payload carries an unrecognised action_type.
	ErrUnknownAction = errors.New("unknown action type")

	// ErrEmptyChain is returned when an operation needs at least the genesis block.
	ErrEmptyChain = errors.New("chain is empty")
)
