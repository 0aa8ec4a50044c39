package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrTaskNotFound     = errors.New("task: not found")
	ErrTaskInvalidInput = errors.New("task: invalid input")
	ErrUnknownTask      = errors.New("task: no handler registered")
	ErrBrokerEmpty      = errors.New("broker: no message available")
	ErrInvalidToken     = errors.New("broker: malformed delivery token")
)

type Kind int

const (
	KindTask Kind = iota + 1
	KindTransport
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindTransport:
		return "transport"
	case KindStore:
		return "store"
	}
	return "unknown"
}

// Error classifies a failure as a task, transport or store failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failure in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func TaskFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTask, Op: op, Err: err}
}

func TransportFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func StoreFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStore, Op: op, Err: err}
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsTransport(err error) bool { return kindOf(err) == KindTransport }
func IsStore(err error) bool     { return kindOf(err) == KindStore }
func IsTask(err error) bool      { return kindOf(err) == KindTask }

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

func IsPermanent(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task: invalid transition %s -> %s", e.From, e.To)
}
