package wal

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// SpillingWal is an IsolatedWal that keeps mutations in memory until they exceed the spill threshold
// and moves them to a temporary file in dir afterwards. Read only transactions never call Write, so
// they never allocate anything.
type SpillingWal struct {
	dir       string
	threshold uint64

	mu             sync.Mutex
	catalogVersion uint64
	buf            bytes.Buffer
	file           *os.File
	fileWriter     *bufio.Writer
	writer         *mutation.StreamWriter
	count          int
	size           uint64
	sealed         bool
	closed         bool
}

// NewSpillingWal creates an isolated WAL spilling to dir, the system temp dir when dir is empty.
// A zero threshold keeps everything in memory.
func NewSpillingWal(dir string, spillThreshold uint64) *SpillingWal {
	w := &SpillingWal{dir: dir, threshold: spillThreshold}
	w.writer = mutation.NewStreamWriter(spillTarget{w})
	return w
}

type spillTarget struct{ w *SpillingWal }

func (t spillTarget) Write(p []byte) (int, error) {
	w := t.w
	w.size += uint64(len(p))
	if w.fileWriter != nil {
		return w.fileWriter.Write(p)
	}
	n, err := w.buf.Write(p)
	if err == nil && w.threshold > 0 && uint64(w.buf.Len()) > w.threshold {
		err = w.spill()
	}
	return n, err
}

func (w *SpillingWal) spill() error {
	f, err := os.CreateTemp(w.dir, "isolated-*.wal")
	if err != nil {
		return errors.Annotate(err, "create isolated wal file")
	}
	w.file = f
	w.fileWriter = bufio.NewWriter(f)
	if _, err := w.fileWriter.Write(w.buf.Bytes()); err != nil {
		return errors.Trace(err)
	}
	log.Debug("isolated wal spilled to disk", zap.String("file", f.Name()), zap.Int("buffered", w.buf.Len()))
	w.buf = bytes.Buffer{}
	return nil
}

// Write records a mutation created against the catalog version the transaction was opened on.
func (w *SpillingWal) Write(catalogVersion uint64, m mutation.Mutation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.sealed {
		return errWalClosed
	}
	if w.count == 0 {
		w.catalogVersion = catalogVersion
	}
	if err := w.writer.Write(m); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *SpillingWal) CatalogVersion() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.catalogVersion
}

func (w *SpillingWal) MutationCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *SpillingWal) MutationSizeInBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Spilled reports whether the content lives in a file.
func (w *SpillingWal) Spilled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file != nil
}

func (w *SpillingWal) WalReference() (Reference, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.sealed {
		return nil, errWalClosed
	}
	w.sealed = true
	if w.file == nil {
		data := w.buf.Bytes()
		w.buf = bytes.Buffer{}
		return &memoryReference{data: data}, nil
	}
	name := w.file.Name()
	if err := w.fileWriter.Flush(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.file.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	w.file, w.fileWriter = nil, nil
	return &fileReference{path: name, size: w.size}, nil
}

// Close discards the content unless it was handed over through WalReference.
func (w *SpillingWal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.buf = bytes.Buffer{}
	if w.file == nil {
		return nil
	}
	name := w.file.Name()
	err := w.file.Close()
	w.file, w.fileWriter = nil, nil
	if rmErr := os.Remove(name); rmErr != nil && err == nil {
		err = rmErr
	}
	return errors.Trace(err)
}

type memoryReference struct {
	data []byte
}

func (r *memoryReference) Mutations() (MutationIterator, error) {
	return &streamIterator{reader: mutation.NewStreamReader(bytes.NewReader(r.data))}, nil
}

func (r *memoryReference) SizeInBytes() uint64 { return uint64(len(r.data)) }

func (r *memoryReference) Close() error {
	r.data = nil
	return nil
}

type fileReference struct {
	path string
	size uint64
}

func (r *fileReference) Mutations() (MutationIterator, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.Annotatef(err, "open isolated wal %s", r.path)
	}
	return &streamIterator{reader: mutation.NewStreamReader(bufio.NewReader(f)), closer: f}, nil
}

func (r *fileReference) SizeInBytes() uint64 { return r.size }

func (r *fileReference) Close() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	return nil
}

type streamIterator struct {
	reader *mutation.StreamReader
	closer io.Closer
}

func (it *streamIterator) Next() (mutation.Mutation, error) {
	return it.reader.Next()
}

func (it *streamIterator) Close() error {
	if it.closer == nil {
		return nil
	}
	return it.closer.Close()
}
