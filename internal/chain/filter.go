package chain

import "time"

// Filter selects blocks for trail and report queries. Zero values match everything.
// Results are ordered newest first by timestamp, ties broken by index.
type Filter struct {
	PatientID  string
	ActionType ActionType
	Since      time.Time
	Skip       int
	Limit      int
}

// Match reports whether b satisfies the filter's predicates (Skip and Limit are ignored).
func (f Filter) Match(b *Block) bool {
	if f.PatientID != "" && b.PatientID() != f.PatientID {
		return false
	}
	if f.ActionType != "" && b.ActionType() != f.ActionType {
		return false
	}
	if !f.Since.IsZero() && b.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Page applies Skip and Limit to an already ordered slice.
func (f Filter) Page(blocks []*Block) []*Block {
	if f.Skip > 0 {
		if f.Skip >= len(blocks) {
			return []*Block{}
		}
		blocks = blocks[f.Skip:]
	}
	if f.Limit > 0 && f.Limit < len(blocks) {
		blocks = blocks[:f.Limit]
	}
	return blocks
}

// NewestFirst orders a before b when a is more recent.
func NewestFirst(a, b *Block) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Index > b.Index
}
