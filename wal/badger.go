package wal

import (
	"bytes"
	"io"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	walPrefix    = []byte("wal/")
	headerPrefix = []byte("header/")
)

// BadgerWal stores the shared catalog WAL in badger. Records are keyed by the big endian catalog
// version followed by the ordinal inside the transaction group, so a prefix scan returns them in
// replay order.
type BadgerWal struct {
	db     *badger.DB
	ownsDB bool

	mu   sync.Mutex
	last atomic.Uint64
	// partial is the version of a group a failed append could not discard, 0 if none.
	partial uint64
}

// OpenBadgerWal opens (or creates) a badger database in dir. An empty dir keeps it in memory.
func OpenBadgerWal(dir string, syncWrites bool) (*BadgerWal, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(syncWrites).
		WithLogger(badgerLogger{logger: log.L().With(zap.String("component", "badger")).Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger wal in %q", dir)
	}
	w, err := NewBadgerWal(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	w.ownsDB = true
	return w, nil
}

// NewBadgerWal uses an already opened database. Closing the WAL leaves the database open.
func NewBadgerWal(db *badger.DB) (*BadgerWal, error) {
	w := &BadgerWal{db: db}
	last, err := w.recoverLastVersion()
	if err != nil {
		return nil, err
	}
	w.last.Store(last)
	log.Info("badger wal opened", zap.Uint64("last-catalog-version", last))
	return w, nil
}

func (w *BadgerWal) scanLastVersion() (uint64, error) {
	var last uint64
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = walPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, walPrefix...), bytes.Repeat([]byte{0xff}, positionLen)...)
		it.Seek(seek)
		if !it.ValidForPrefix(walPrefix) {
			return nil
		}
		pos, err := decodePosition(walPrefix, it.Item().Key())
		if err != nil {
			return err
		}
		last = pos.version
		return nil
	})
	return last, errors.Trace(err)
}

// recoverLastVersion finds the last complete group. A trailing group with fewer records than its
// TransactionMutation declares was interrupted while being appended and is dropped.
func (w *BadgerWal) recoverLastVersion() (uint64, error) {
	for {
		last, err := w.scanLastVersion()
		if err != nil || last == 0 {
			return last, err
		}
		complete, err := w.groupComplete(last)
		if err != nil {
			return 0, err
		}
		if complete {
			return last, nil
		}
		log.Warn("dropping incomplete wal group", zap.Uint64("catalog-version", last))
		if err := w.dropVersion(last); err != nil {
			return 0, err
		}
	}
}

func (w *BadgerWal) groupComplete(version uint64) (bool, error) {
	var records uint32
	var txm *mutation.TransactionMutation
	prefix := versionPrefix(version)
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if records == 0 {
				data, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				m, err := mutation.Decode(data)
				if err != nil {
					return err
				}
				txm, _ = m.(*mutation.TransactionMutation)
			}
			records++
		}
		return nil
	})
	if err != nil {
		return false, errors.Annotatef(err, "check wal group of catalog version %d", version)
	}
	return txm != nil && records == txm.MutationCount+1, nil
}

func versionPrefix(version uint64) []byte {
	return position{version: version}.encode(walPrefix)[:len(walPrefix)+8]
}

// dropVersion removes every record of the group.
func (w *BadgerWal) dropVersion(version uint64) error {
	return errors.Annotatef(w.db.DropPrefix(versionPrefix(version)), "drop wal group of catalog version %d", version)
}

func (w *BadgerWal) Append(txm *mutation.TransactionMutation, ref Reference) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := checkAppendVersion(w.last.Load(), txm); err != nil {
		return err
	}
	if w.partial != 0 {
		if err := w.dropVersion(w.partial); err != nil {
			return err
		}
		w.partial = 0
	}
	txn := w.db.NewTransaction(true)
	defer func() {
		txn.Discard()
	}()
	split := false
	err := appendGroup(txm, ref, func(pos position, data []byte) error {
		key := pos.encode(walPrefix)
		err := txn.Set(key, data)
		if err != badger.ErrTxnTooBig {
			return err
		}
		// large groups span several badger transactions, the group only becomes visible to
		// streams once the last version is advanced below
		split = true
		if err := txn.Commit(); err != nil {
			return err
		}
		txn = w.db.NewTransaction(true)
		return txn.Set(key, data)
	})
	if err == nil {
		err = txn.Commit()
	}
	if err != nil {
		if split {
			w.discardPartialGroup(txm.CatalogVersion)
		}
		return errors.Annotatef(err, "append catalog version %d", txm.CatalogVersion)
	}
	w.last.Store(txm.CatalogVersion)
	return nil
}

// discardPartialGroup removes the records a failed append already committed, so the version can be
// appended again. If that fails too it is retried by the next append or when the WAL is opened.
func (w *BadgerWal) discardPartialGroup(version uint64) {
	if err := w.dropVersion(version); err != nil {
		w.partial = version
		log.Error("failed to discard partially appended wal group",
			zap.Uint64("catalog-version", version), zap.Error(err))
	}
}

func (w *BadgerWal) Stream(fromVersion uint64) (MutationIterator, error) {
	return w.open(position{version: fromVersion}), nil
}

func (w *BadgerWal) LiveStream(fromVersion, toVersionAtLeast uint64) (MutationIterator, error) {
	return newLiveIterator(fromVersion, toVersionAtLeast, w.LastVersion, func(from position) (positionedIterator, error) {
		return w.open(from), nil
	})
}

func (w *BadgerWal) open(from position) *badgerIterator {
	txn := w.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = walPrefix
	it := txn.NewIterator(opts)
	it.Seek(from.encode(walPrefix))
	return &badgerIterator{txn: txn, it: it, limit: w.last.Load()}
}

func (w *BadgerWal) LastVersion() uint64 {
	return w.last.Load()
}

func (w *BadgerWal) StoreHeader(h *CatalogHeader) error {
	data, err := msgpack.Marshal(h)
	if err != nil {
		return errors.Trace(err)
	}
	key := append(append([]byte{}, headerPrefix...), h.CatalogName...)
	return errors.Trace(w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}))
}

func (w *BadgerWal) LoadHeader(catalogName string) (*CatalogHeader, error) {
	key := append(append([]byte{}, headerPrefix...), catalogName...)
	h := new(CatalogHeader)
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return msgpack.Unmarshal(data, h)
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrHeaderNotFound
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return h, nil
}

func (w *BadgerWal) Close() error {
	if !w.ownsDB {
		return nil
	}
	return errors.Trace(w.db.Close())
}

type badgerIterator struct {
	txn   *badger.Txn
	it    *badger.Iterator
	limit uint64

	last    position
	hasLast bool
}

func (it *badgerIterator) Next() (mutation.Mutation, error) {
	if !it.it.ValidForPrefix(walPrefix) {
		return nil, io.EOF
	}
	item := it.it.Item()
	pos, err := decodePosition(walPrefix, item.Key())
	if err != nil {
		return nil, err
	}
	if pos.version > it.limit {
		return nil, io.EOF
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	it.it.Next()
	it.last, it.hasLast = pos, true
	return mutation.Decode(data)
}

func (it *badgerIterator) lastPosition() (position, bool) {
	return it.last, it.hasLast
}

func (it *badgerIterator) Close() error {
	it.it.Close()
	it.txn.Discard()
	return nil
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.logger.Infof(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }
