package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending Status = "PENDING"
	Running Status = "RUNNING"
	Success Status = "SUCCESS"
	Failure Status = "FAILURE"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Pending, Running, Success, Failure:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool { return s == Success || s == Failure }

// CanTransition encodes the task lifecycle:
//
//	PENDING -> RUNNING -> SUCCESS | FAILURE
//
// RUNNING -> RUNNING is a redelivery after a lapsed visibility timeout and
// RUNNING -> PENDING is only taken by the retry policy.
func CanTransition(from, to Status) bool {
	switch from {
	case Pending:
		return to == Running || to == Failure
	case Running:
		return to == Running || to == Pending || to == Success || to == Failure
	}
	return false
}

type Task struct {
	ID         string          `json:"task_id"`
	Name       string          `json:"name"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempt    int             `json:"attempt"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Transition moves t to status `to`, stamping UpdatedAt. It refuses edges
// that CanTransition does not allow.
func (t *Task) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// Message is the envelope the broker carries for a task.
type Message struct {
	TaskID     string            `json:"task_id"`
	Name       string            `json:"name"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Attempt    int               `json:"attempt"`
	MaxRetries int               `json:"max_retries"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// NewTask builds the PENDING record written on submit.
func NewTask(id, name, queue string, payload json.RawMessage, maxRetries int, now time.Time) *Task {
	return &Task{
		ID:         id,
		Name:       name,
		Queue:      queue,
		Payload:    payload,
		Status:     Pending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Message returns the transport envelope for t.
func (t *Task) Message(now time.Time) Message {
	return Message{
		TaskID:     t.ID,
		Name:       t.Name,
		Payload:    t.Payload,
		Attempt:    t.Attempt,
		MaxRetries: t.MaxRetries,
		EnqueuedAt: now,
	}
}
