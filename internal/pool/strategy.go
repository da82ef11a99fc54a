package pool

import (
	"math/rand"

	"github.com/kiro-proxy/anthropic-bridge/internal/account"
)

// Strategy is the closed set of account-selection policies. A tagged
// string-enum plus a select function is the idiomatic Go shape for this -
// no Selector interface is needed since the set never grows at runtime
// (§9's "dynamic dispatch over strategies" note).
type Strategy string

const (
	RoundRobin        Strategy = "round_robin"
	Random            Strategy = "random"
	LeastUsed         Strategy = "least_used"
	SequentialExhaust Strategy = "sequential_exhaust"
)

// Valid reports whether s is one of the four known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, Random, LeastUsed, SequentialExhaust:
		return true
	}
	return false
}

// selectIndex picks one index into actives according to strategy. rrIndex is
// the pool's persistent round-robin cursor (read/written by the caller under
// the pool's lock); seqCurrent is the pool's sticky sequential-exhaust
// pointer, an account ID rather than an index so it survives list reordering
// across calls.
func selectIndex(strategy Strategy, actives []*account.Account, rrIndex *int, seqCurrent *string) int {
	if len(actives) == 0 {
		return -1
	}

	switch strategy {
	case Random:
		return rand.Intn(len(actives))

	case LeastUsed:
		best := 0
		for i := 1; i < len(actives); i++ {
			if leastUsedLess(actives[i], actives[best]) {
				best = i
			}
		}
		return best

	case SequentialExhaust:
		if seqCurrent != nil && *seqCurrent != "" {
			for i, a := range actives {
				if a.ID == *seqCurrent {
					return i
				}
			}
		}
		// Current sticky account is gone or unset: adopt the first Active
		// account in insertion order as the new sticky pointer.
		if seqCurrent != nil {
			*seqCurrent = actives[0].ID
		}
		return 0

	default: // RoundRobin
		idx := *rrIndex % len(actives)
		*rrIndex = (*rrIndex + 1) % len(actives)
		return idx
	}
}

// leastUsedLess reports whether a should be preferred over b: fewer uses
// wins; ties broken by older (or never-set) last_used_at.
func leastUsedLess(a, b *account.Account) bool {
	au, bu := a.UsageCount(), b.UsageCount()
	if au != bu {
		return au < bu
	}
	al, bl := a.LastUsedAt(), b.LastUsedAt()
	if al.IsZero() != bl.IsZero() {
		return al.IsZero()
	}
	return al.Before(bl)
}
