// Package wal holds the write-ahead logs of a catalog: the isolated WAL every client transaction
// writes its mutations to, and the shared catalog WAL those mutations are migrated into once the
// transaction is assigned a catalog version.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap/errors"
)

// MutationIterator is a single pass, ordered sequence of mutations. Next returns io.EOF when the
// sequence is exhausted. The consumer must Close it to release the underlying resources.
type MutationIterator interface {
	Next() (mutation.Mutation, error)
	Close() error
}

// Reference points at the serialized content of an isolated WAL. Whoever holds it owns the backing
// buffer or file and must Close it.
type Reference interface {
	Mutations() (MutationIterator, error)
	SizeInBytes() uint64
	Close() error
}

// IsolatedWal collects the mutations of a single client transaction before it is assigned its place
// in the shared WAL.
type IsolatedWal interface {
	Write(catalogVersion uint64, m mutation.Mutation) error
	MutationCount() int
	MutationSizeInBytes() uint64
	// WalReference seals the WAL and transfers ownership of its content to the returned reference.
	WalReference() (Reference, error)
	Close() error
}

// CatalogWal is the shared, versioned WAL of a catalog. Every transaction group starts with its
// TransactionMutation followed by exactly MutationCount mutations; groups are stored in gap free
// catalog version order.
type CatalogWal interface {
	// Append copies the isolated WAL behind ref into the shared WAL under txm.CatalogVersion.
	Append(txm *mutation.TransactionMutation, ref Reference) error
	// Stream returns the committed mutations starting with the group of fromVersion.
	Stream(fromVersion uint64) (MutationIterator, error)
	// LiveStream is like Stream but looks for newly appended groups when it runs out of data before
	// reaching toVersionAtLeast.
	LiveStream(fromVersion, toVersionAtLeast uint64) (MutationIterator, error)
	// LastVersion returns the catalog version of the last group, 0 for an empty WAL.
	LastVersion() uint64
	StoreHeader(h *CatalogHeader) error
	LoadHeader(catalogName string) (*CatalogHeader, error)
	Close() error
}

// CatalogHeader describes the last catalog version flushed to durable storage.
type CatalogHeader struct {
	CatalogName     string    `msgpack:"name"`
	CatalogVersion  uint64    `msgpack:"v"`
	SchemaVersion   int       `msgpack:"sv"`
	TransactionID   string    `msgpack:"tx"`
	EntityCount     int       `msgpack:"entities"`
	CommitTimestamp time.Time `msgpack:"ts"`
}

var (
	// ErrHeaderNotFound is returned by LoadHeader when the catalog was never flushed.
	ErrHeaderNotFound = errors.New("catalog header not found")
	errWalClosed      = errors.New("wal is closed")
)

// position identifies a record of the shared WAL: the catalog version of its group and the ordinal
// inside the group, 0 being the TransactionMutation.
type position struct {
	version uint64
	seq     uint32
}

func (p position) less(o position) bool {
	if p.version != o.version {
		return p.version < o.version
	}
	return p.seq < o.seq
}

func (p position) next() position {
	return position{version: p.version, seq: p.seq + 1}
}

func (p position) String() string {
	return fmt.Sprintf("%d/%d", p.version, p.seq)
}

const positionLen = 12

func (p position) encode(prefix []byte) []byte {
	key := make([]byte, len(prefix)+positionLen)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], p.version)
	binary.BigEndian.PutUint32(key[len(prefix)+8:], p.seq)
	return key
}

func decodePosition(prefix, key []byte) (position, error) {
	if len(key) != len(prefix)+positionLen {
		return position{}, errors.Errorf("invalid wal key length %d", len(key))
	}
	return position{
		version: binary.BigEndian.Uint64(key[len(prefix):]),
		seq:     binary.BigEndian.Uint32(key[len(prefix)+8:]),
	}, nil
}

// appendGroup writes a transaction group record by record through put, checking the declared
// mutation count against the content of the reference.
func appendGroup(txm *mutation.TransactionMutation, ref Reference, put func(position, []byte) error) error {
	header, err := mutation.Encode(txm)
	if err != nil {
		return err
	}
	pos := position{version: txm.CatalogVersion}
	if err := put(pos, header); err != nil {
		return err
	}
	it, err := ref.Mutations()
	if err != nil {
		return err
	}
	defer it.Close()
	var count uint32
	for {
		m, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Annotatef(err, "read isolated wal of transaction %s", txm.TransactionID)
		}
		if m.Kind() == mutation.KindTransaction {
			return errors.Errorf("isolated wal of transaction %s contains a transaction mutation", txm.TransactionID)
		}
		data, err := mutation.Encode(m)
		if err != nil {
			return err
		}
		count++
		pos = pos.next()
		if err := put(pos, data); err != nil {
			return err
		}
	}
	if count != txm.MutationCount {
		return errors.Errorf("transaction %s declares %d mutations but its isolated wal holds %d",
			txm.TransactionID, txm.MutationCount, count)
	}
	return nil
}

func checkAppendVersion(last uint64, txm *mutation.TransactionMutation) error {
	if last != 0 && txm.CatalogVersion != last+1 {
		return errors.Errorf("cannot append catalog version %d, the wal ends with version %d", txm.CatalogVersion, last)
	}
	return nil
}
