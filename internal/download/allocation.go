package download

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

const suffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// Filename builds {id}_{last 8 digits of unix ms}_{6 random [a-z0-9]}.pdf.
func Filename(id harvest.Identifier, at time.Time) string {
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	if len(ms) > 8 {
		ms = ms[len(ms)-8:]
	}
	suffix := make([]byte, 6)
	for i := range suffix {
		suffix[i] = suffixChars[rand.IntN(len(suffixChars))]
	}
	return fmt.Sprintf("%s_%s_%s.pdf", id, ms, suffix)
}

// Allocation is the bookkeeping for one in-flight download.
type Allocation struct {
	Worker     int
	Identifier harvest.Identifier
	Dir        string
	Filename   string
	Started    time.Time
}

// Target is the absolute path the download will be renamed to.
func (a Allocation) Target() string {
	return filepath.Join(a.Dir, a.Filename)
}

// Table records allocations by worker. Filenames are unique among live
// allocations.
type Table struct {
	mu       sync.Mutex
	byWorker map[int]Allocation
	names    map[string]int
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{
		byWorker: make(map[int]Allocation),
		names:    make(map[string]int),
	}
}

// Allocate reserves a filename for worker before its download starts.
func (t *Table) Allocate(worker int, id harvest.Identifier, dir string, at time.Time) Allocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.byWorker[worker]; ok {
		delete(t.names, prev.Filename)
	}
	name := Filename(id, at)
	for {
		if _, taken := t.names[name]; !taken {
			break
		}
		name = Filename(id, at)
	}
	a := Allocation{Worker: worker, Identifier: id, Dir: dir, Filename: name, Started: at}
	t.byWorker[worker] = a
	t.names[name] = worker
	return a
}

// Get returns the live allocation for worker.
func (t *Table) Get(worker int) (Allocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.byWorker[worker]
	return a, ok
}

// Release drops worker's allocation.
func (t *Table) Release(worker int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.byWorker[worker]; ok {
		delete(t.names, a.Filename)
		delete(t.byWorker, worker)
	}
}

// Len is the number of live allocations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byWorker)
}
