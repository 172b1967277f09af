package wal

import (
	"io"

	"github.com/pingcap-incubator/tinydoc/mutation"
)

// positionedIterator is a snapshot iterator that remembers the position of the last returned record
// so a live stream can resume right behind it.
type positionedIterator interface {
	MutationIterator
	lastPosition() (position, bool)
}

// liveIterator reopens its snapshot when it is exhausted before reaching toVersionAtLeast and the WAL
// has grown in the meantime.
type liveIterator struct {
	open        func(from position) (positionedIterator, error)
	lastVersion func() uint64
	toAtLeast   uint64

	current  positionedIterator
	resume   position
	seen     uint64
	progress bool
}

func newLiveIterator(from, toAtLeast uint64, lastVersion func() uint64, open func(position) (positionedIterator, error)) (*liveIterator, error) {
	start := position{version: from}
	current, err := open(start)
	if err != nil {
		return nil, err
	}
	var seen uint64
	if from > 0 {
		seen = from - 1
	}
	return &liveIterator{
		open:        open,
		lastVersion: lastVersion,
		toAtLeast:   toAtLeast,
		current:     current,
		resume:      start,
		seen:        seen,
		progress:    true,
	}, nil
}

func (it *liveIterator) Next() (mutation.Mutation, error) {
	for {
		m, err := it.current.Next()
		if err == nil {
			it.progress = true
			if txm, ok := m.(*mutation.TransactionMutation); ok {
				it.seen = txm.CatalogVersion
			}
			return m, nil
		}
		if err != io.EOF {
			return nil, err
		}
		if !it.progress || it.seen >= it.toAtLeast || it.lastVersion() <= it.seen {
			return nil, io.EOF
		}
		if pos, ok := it.current.lastPosition(); ok {
			it.resume = pos.next()
		}
		if err := it.current.Close(); err != nil {
			return nil, err
		}
		next, err := it.open(it.resume)
		if err != nil {
			it.current = emptyIterator{}
			return nil, err
		}
		it.current = next
		it.progress = false
	}
}

func (it *liveIterator) Close() error {
	return it.current.Close()
}

type emptyIterator struct{}

func (emptyIterator) Next() (mutation.Mutation, error) { return nil, io.EOF }

func (emptyIterator) Close() error { return nil }

func (emptyIterator) lastPosition() (position, bool) { return position{}, false }
