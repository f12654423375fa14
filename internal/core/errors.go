package core

import (
	"errors"
	"fmt"

	"github.com/ungleicch/T3-chat-clone-shit/internal/store"
)

var (
	ErrChatNotFound     = store.ErrChatNotFound
	ErrInvalidIndex     = errors.New("invalid message index")
	ErrWrongRole        = errors.New("message at index has the wrong role")
	ErrMissingModel     = errors.New("model not provided")
	ErrEmptyMessage     = errors.New("cannot start a chat with an empty message")
	ErrNoContext        = errors.New("no messages to respond to")
	ErrConsumerDetached = errors.New("stream consumer detached")
)

// InferenceError reports an engine failure that happened before any text
// reached the client.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference with model %q failed: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
