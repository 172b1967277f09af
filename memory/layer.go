package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/errors"
)

// Layer keeps the uncommitted diffs of transactional objects. Diffs are keyed by the logical identity of
// their producer (a comparable value such as a collection name), because the objects themselves are
// immutable snapshots that get replaced with every catalog version.
//
// A layer outlives a single transaction when several replayed transactions are appended onto the same
// trunk build. It is swept when a new catalog is materialized: every producer removes its diff while
// creating its own copy, and whatever is left afterwards is a bug.
type Layer struct {
	mu    sync.Mutex
	diffs map[interface{}]interface{}
}

func NewLayer() *Layer {
	return &Layer{diffs: make(map[interface{}]interface{})}
}

// GetOrCreate returns the diff registered for the producer, creating it on first access.
func (l *Layer) GetOrCreate(producer interface{}, create func() interface{}) interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.diffs[producer]; ok {
		return d
	}
	d := create()
	l.diffs[producer] = d
	return d
}

func (l *Layer) Get(producer interface{}) (interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.diffs[producer]
	return d, ok
}

// Sweep removes and returns the diff of the producer.
func (l *Layer) Sweep(producer interface{}) (interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.diffs[producer]
	if ok {
		delete(l.diffs, producer)
	}
	return d, ok
}

// Producers lists producers that still hold a diff.
func (l *Layer) Producers() []interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	producers := make([]interface{}, 0, len(l.diffs))
	for p := range l.diffs {
		producers = append(producers, p)
	}
	return producers
}

func (l *Layer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.diffs)
}

// VerifyLayerWasFullySwept fails when any diff survived the materialization of a new catalog.
func (l *Layer) VerifyLayerWasFullySwept() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.diffs) == 0 {
		return nil
	}
	leftovers := make([]string, 0, len(l.diffs))
	for p := range l.diffs {
		leftovers = append(leftovers, fmt.Sprintf("%v", p))
	}
	sort.Strings(leftovers)
	return errors.Errorf("transactional layer was not fully swept, leftover diffs: %s", strings.Join(leftovers, ", "))
}
