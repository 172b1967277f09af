package mutation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags every mutation record written to an isolated or shared WAL.
type Kind byte

const (
	KindTransaction Kind = iota + 1
	KindEntityUpsert
	KindEntityRemove
	KindModifySchema
)

func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindEntityUpsert:
		return "entity-upsert"
	case KindEntityRemove:
		return "entity-remove"
	case KindModifySchema:
		return "modify-schema"
	}
	return fmt.Sprintf("unknown(%d)", byte(k))
}

// Mutation is an immutable command describing one logical change of a catalog.
type Mutation interface {
	Kind() Kind
}

// LocalMutationCounter is implemented by mutations that consist of several fine grained changes.
type LocalMutationCounter interface {
	LocalMutationCount() int
}

// TransactionMutation leads the mutation group of one committed transaction in a WAL stream.
type TransactionMutation struct {
	TransactionID     uuid.UUID `msgpack:"id"`
	CatalogVersion    uint64    `msgpack:"v"`
	MutationCount     uint32    `msgpack:"n"`
	MutationSizeBytes uint64    `msgpack:"sz"`
	CommitTimestamp   time.Time `msgpack:"ts"`
}

func (m *TransactionMutation) Kind() Kind { return KindTransaction }

func (m *TransactionMutation) String() string {
	return fmt.Sprintf("transaction %s (catalog version %d, %d mutations, %d bytes, committed %s)",
		m.TransactionID, m.CatalogVersion, m.MutationCount, m.MutationSizeBytes, m.CommitTimestamp.Format(time.RFC3339Nano))
}

// EntityUpsertMutation creates the entity or overwrites the listed attributes of an existing one.
type EntityUpsertMutation struct {
	Collection string            `msgpack:"c"`
	PrimaryKey int64             `msgpack:"pk"`
	Attributes map[string]string `msgpack:"a"`
}

func (m *EntityUpsertMutation) Kind() Kind { return KindEntityUpsert }

func (m *EntityUpsertMutation) LocalMutationCount() int {
	if len(m.Attributes) == 0 {
		return 1
	}
	return len(m.Attributes)
}

// EntityRemoveMutation removes the entity with all its attributes.
type EntityRemoveMutation struct {
	Collection string `msgpack:"c"`
	PrimaryKey int64  `msgpack:"pk"`
}

func (m *EntityRemoveMutation) Kind() Kind { return KindEntityRemove }

func (m *EntityRemoveMutation) LocalMutationCount() int { return 1 }

// ModifySchemaMutation creates a collection when it doesn't exist yet or updates its description.
// Every applied schema mutation increments the catalog schema version.
type ModifySchemaMutation struct {
	Collection  string `msgpack:"c"`
	Description string `msgpack:"d"`
}

func (m *ModifySchemaMutation) Kind() Kind { return KindModifySchema }

// LocalMutationCount returns the number of fine grained changes the mutation carries.
func LocalMutationCount(m Mutation) int {
	if c, ok := m.(LocalMutationCounter); ok {
		return c.LocalMutationCount()
	}
	return 1
}
