package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrTranscriptionTimeout is returned when the streaming path produced no final result in time.
	ErrTranscriptionTimeout = errors.New("transcription timed out")
	ErrEmptyResult          = errors.New("empty transcript")
)

// TranscriptionError is a provider failure.
type TranscriptionError struct {
	Provider  string
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

func NewTranscriptionError(provider, code, message string, cause error, retryable bool) *TranscriptionError {
	return &TranscriptionError{Provider: provider, Code: code, Message: message, Cause: cause, Retryable: retryable}
}

func (e *TranscriptionError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s transcription error [%s]: %s", e.Provider, e.Code, msg)
	}
	return fmt.Sprintf("%s transcription error: %s", e.Provider, msg)
}

func (e *TranscriptionError) Unwrap() error { return e.Cause }
