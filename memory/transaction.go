package memory

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinydoc/mutation"
	"github.com/pingcap/errors"
)

// Handler finalizes a transaction once it is closed.
type Handler interface {
	Commit(layer *Layer) error
	Rollback(layer *Layer, cause error) error
}

// MutationRegistrar is implemented by handlers that record the mutations of a transaction.
type MutationRegistrar interface {
	RegisterMutation(m mutation.Mutation) error
}

var errTransactionClosed = errors.New("transaction is already closed")

// Transaction binds a set of changes recorded in a Layer to the handler that decides what happens with
// them on close. The same type serves client transactions and replayed WAL transactions; replay
// transactions never register mutations because they are already in the WAL.
type Transaction struct {
	id      uuid.UUID
	handler Handler
	layer   *Layer
	replay  bool

	mu           sync.Mutex
	closed       bool
	rollbackOnly bool
	cause        error
}

// NewTransaction creates a transaction with a fresh layer.
func NewTransaction(id uuid.UUID, handler Handler, replay bool) *Transaction {
	return NewTransactionOnLayer(id, handler, NewLayer(), replay)
}

// NewTransactionOnLayer creates a transaction appending onto an existing layer.
func NewTransactionOnLayer(id uuid.UUID, handler Handler, layer *Layer, replay bool) *Transaction {
	return &Transaction{
		id:      id,
		handler: handler,
		layer:   layer,
		replay:  replay,
	}
}

func (t *Transaction) ID() uuid.UUID { return t.id }

func (t *Transaction) Layer() *Layer { return t.layer }

func (t *Transaction) IsReplay() bool { return t.replay }

func (t *Transaction) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// RegisterMutation hands the mutation to the handler so it can be persisted on commit.
func (t *Transaction) RegisterMutation(m mutation.Mutation) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errTransactionClosed
	}
	if t.replay {
		return nil
	}
	if r, ok := t.handler.(MutationRegistrar); ok {
		return r.RegisterMutation(m)
	}
	return nil
}

// SetRollbackOnly marks the transaction so that Close rolls it back. The first cause wins.
func (t *Transaction) SetRollbackOnly(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.rollbackOnly {
		t.rollbackOnly = true
		t.cause = cause
	}
}

func (t *Transaction) IsRollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// Close commits the transaction unless it was marked rollback only.
func (t *Transaction) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransactionClosed
	}
	t.closed = true
	rollback, cause := t.rollbackOnly, t.cause
	t.mu.Unlock()

	if rollback {
		return t.handler.Rollback(t.layer, cause)
	}
	return t.handler.Commit(t.layer)
}

// Rollback discards the transaction on user request.
func (t *Transaction) Rollback() error {
	t.SetRollbackOnly(nil)
	return t.Close()
}
