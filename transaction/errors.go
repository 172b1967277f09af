package transaction

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrQueueFull is reported to the caller when the pipeline could not accept the transaction. The caller may
	// retry, the next commit rebuilds the pipeline.
	ErrQueueFull = errors.New("transaction pipeline is saturated, the transaction cannot be processed at the moment")
	// ErrPipelineClosed fails transactions that were still queued when their pipeline was torn down.
	ErrPipelineClosed = errors.New("transaction pipeline was closed before the transaction was processed")
	// ErrRollback is reported for transactions rolled back on user request.
	ErrRollback = errors.New("transaction was rolled back")
	// ErrConflict is returned by conflict resolvers rejecting a transaction.
	ErrConflict = errors.New("transaction conflicts with a concurrently committed transaction")
	// ErrManagerClosed is returned by commits arriving after Close.
	ErrManagerClosed = errors.New("transaction manager is closed")
)

// TimedOutError means a stage guard was held by someone else. The operation was not attempted and may be retried.
type TimedOutError struct {
	Stage string
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("%s is already in progress", e.Stage)
}

// InternalError signals a broken consistency premise. It is never retried.
type InternalError struct {
	msg string
}

func (e *InternalError) Error() string {
	return e.msg
}

func internalErrorf(format string, args ...interface{}) error {
	return errors.WithStack(&InternalError{msg: fmt.Sprintf(format, args...)})
}

// RollbackError wraps the failure that forced a transaction to roll back.
type RollbackError struct {
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction was rolled back due to a previous error: %v", e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// IsTimedOut reports whether err comes from a busy stage guard.
func IsTimedOut(err error) bool {
	_, ok := errors.Cause(err).(*TimedOutError)
	return ok
}

// IsInternal reports whether err is a fatal consistency failure.
func IsInternal(err error) bool {
	_, ok := errors.Cause(err).(*InternalError)
	return ok
}

// IsRetryable reports whether the same commit may succeed when attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch cause := errors.Cause(err); cause {
	case ErrQueueFull, ErrPipelineClosed, ErrConflict:
		return true
	default:
		_, ok := cause.(*TimedOutError)
		return ok
	}
}
