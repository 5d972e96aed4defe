package pipeline

import (
	"strconv"
	"sync"
	"time"

	"chatsync/internal/domain"
)

// TempIDs issues temporary message handles from the wall clock in unix
// milliseconds. Two calls in the same millisecond still get distinct,
// increasing ids.
type TempIDs struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewTempIDs returns a generator reading now; nil uses time.Now.
func NewTempIDs(now func() time.Time) *TempIDs {
	if now == nil {
		now = time.Now
	}
	return &TempIDs{now: now}
}

func (t *TempIDs) Next() domain.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms := t.now().UnixMilli()
	if ms <= t.last {
		ms = t.last + 1
	}
	t.last = ms
	return domain.Handle(strconv.FormatInt(ms, 10))
}
