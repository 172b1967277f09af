package wal

import (
	"io"
	"sync"

	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/atomic"
)

// MemoryWal keeps the shared WAL in an ordered concurrent map. It serves embedded catalogs without a
// data directory and tests; nothing survives Close.
type MemoryWal struct {
	mu      sync.Mutex
	records *skipmap.FuncMap[position, []byte]
	headers *skipmap.FuncMap[string, []byte]
	last    atomic.Uint64
	closed  atomic.Bool
}

func NewMemoryWal() *MemoryWal {
	return &MemoryWal{
		records: skipmap.NewFunc[position, []byte](func(a, b position) bool { return a.less(b) }),
		headers: skipmap.NewFunc[string, []byte](func(a, b string) bool { return a < b }),
	}
}

func (w *MemoryWal) Append(txm *mutation.TransactionMutation, ref Reference) error {
	if w.closed.Load() {
		return errWalClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := checkAppendVersion(w.last.Load(), txm); err != nil {
		return err
	}
	staged := make(map[position][]byte, txm.MutationCount+1)
	err := appendGroup(txm, ref, func(pos position, data []byte) error {
		staged[pos] = data
		return nil
	})
	if err != nil {
		return err
	}
	for pos, data := range staged {
		w.records.Store(pos, data)
	}
	w.last.Store(txm.CatalogVersion)
	return nil
}

func (w *MemoryWal) Stream(fromVersion uint64) (MutationIterator, error) {
	if w.closed.Load() {
		return nil, errWalClosed
	}
	return w.snapshot(position{version: fromVersion}), nil
}

func (w *MemoryWal) LiveStream(fromVersion, toVersionAtLeast uint64) (MutationIterator, error) {
	if w.closed.Load() {
		return nil, errWalClosed
	}
	return newLiveIterator(fromVersion, toVersionAtLeast, w.LastVersion, func(from position) (positionedIterator, error) {
		return w.snapshot(from), nil
	})
}

// snapshot copies the records from the given position on. Groups appended later are not visible.
func (w *MemoryWal) snapshot(from position) *memoryIterator {
	limit := position{version: w.last.Load() + 1}
	it := &memoryIterator{}
	w.records.Range(func(pos position, data []byte) bool {
		if !pos.less(limit) {
			return false
		}
		if !pos.less(from) {
			it.positions = append(it.positions, pos)
			it.records = append(it.records, data)
		}
		return true
	})
	return it
}

func (w *MemoryWal) LastVersion() uint64 {
	return w.last.Load()
}

func (w *MemoryWal) StoreHeader(h *CatalogHeader) error {
	data, err := msgpack.Marshal(h)
	if err != nil {
		return errors.Trace(err)
	}
	w.headers.Store(h.CatalogName, data)
	return nil
}

func (w *MemoryWal) LoadHeader(catalogName string) (*CatalogHeader, error) {
	data, ok := w.headers.Load(catalogName)
	if !ok {
		return nil, ErrHeaderNotFound
	}
	h := new(CatalogHeader)
	if err := msgpack.Unmarshal(data, h); err != nil {
		return nil, errors.Trace(err)
	}
	return h, nil
}

func (w *MemoryWal) Close() error {
	w.closed.Store(true)
	return nil
}

type memoryIterator struct {
	positions []position
	records   [][]byte
	idx       int
}

func (it *memoryIterator) Next() (mutation.Mutation, error) {
	if it.idx >= len(it.records) {
		return nil, io.EOF
	}
	data := it.records[it.idx]
	it.idx++
	return mutation.Decode(data)
}

func (it *memoryIterator) lastPosition() (position, bool) {
	if it.idx == 0 {
		return position{}, false
	}
	return it.positions[it.idx-1], true
}

func (it *memoryIterator) Close() error {
	it.records = nil
	return nil
}
