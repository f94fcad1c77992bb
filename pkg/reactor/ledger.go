package reactor

import (
	"errors"
	"fmt"

	"github.com/runningwild/pingring/pkg/substrate"
)

var (
	ErrDuplicateToken  = errors.New("token already outstanding")
	ErrPendingOverflow = errors.New("pending set full")
)

// Entry is one outstanding operation.
type Entry struct {
	Token  substrate.Token
	Flow   int
	Handle substrate.Handle
	Op     substrate.Op
}

// Ledger is the pending set. Order carries no meaning, so removal swaps the
// last entry into the hole.
type Ledger struct {
	entries []Entry
	tokens  []substrate.Token
	limit   int
	peak    int
}

// NewLedger returns a ledger holding at most limit entries. A limit of 0
// means unbounded.
func NewLedger(limit int) *Ledger {
	return &Ledger{limit: limit}
}

func (l *Ledger) Add(e Entry) error {
	for _, t := range l.tokens {
		if t == e.Token {
			return fmt.Errorf("%w: %d", ErrDuplicateToken, e.Token)
		}
	}
	if l.limit > 0 && len(l.entries) >= l.limit {
		return fmt.Errorf("%w: %d entries", ErrPendingOverflow, l.limit)
	}
	l.entries = append(l.entries, e)
	l.tokens = append(l.tokens, e.Token)
	if len(l.entries) > l.peak {
		l.peak = len(l.entries)
	}
	return nil
}

// Remove deletes and returns the entry at position i in O(1).
func (l *Ledger) Remove(i int) Entry {
	e := l.entries[i]
	last := len(l.entries) - 1
	l.entries[i] = l.entries[last]
	l.tokens[i] = l.tokens[last]
	l.entries = l.entries[:last]
	l.tokens = l.tokens[:last]
	return e
}

// Tokens is aligned with the entries: Tokens()[i] belongs to Entry(i). The
// slice is owned by the ledger and only valid until the next mutation.
func (l *Ledger) Tokens() []substrate.Token { return l.tokens }

func (l *Ledger) Entry(i int) Entry { return l.entries[i] }

func (l *Ledger) Len() int { return len(l.entries) }

// Peak is the largest size the ledger ever reached.
func (l *Ledger) Peak() int { return l.peak }
