package pool

import (
	"sort"
	"sync"

	"github.com/agleyzer/hlsgrab/internal/segment"
)

// Table collects terminal results by address. Workers write to it concurrently
// while a run is in progress; once Wait returns it is only read.
type Table struct {
	mu       sync.RWMutex
	data     map[segment.Address][]byte
	failures map[segment.Address]error
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		data:     make(map[segment.Address][]byte),
		failures: make(map[segment.Address]error),
	}
}

// Put stores a downloaded payload.
func (t *Table) Put(addr segment.Address, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.failures, addr)
	t.data[addr] = data
}

// Fail records addr as failed with its last error.
func (t *Table) Fail(addr segment.Address, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures[addr] = err
}

// Get returns the payload stored for addr.
func (t *Table) Get(addr segment.Address) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	data, ok := t.data[addr]
	return data, ok
}

// Failure returns the error recorded for addr, or nil.
func (t *Table) Failure(addr segment.Address) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.failures[addr]
}

// Len returns the number of downloaded segments.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.data)
}

// FailedLen returns the number of failed segments.
func (t *Table) FailedLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.failures)
}

// Failed returns the failed addresses in lexical order.
func (t *Table) Failed() []segment.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()

	addrs := make([]segment.Address, 0, len(t.failures))
	for addr := range t.failures {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Bytes returns the total payload size held by the table.
func (t *Table) Bytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int64
	for _, d := range t.data {
		n += int64(len(d))
	}
	return n
}
