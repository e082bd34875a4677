package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrGroupGone is returned when a fetch completes after its guild session was torn down.
	ErrGroupGone = errors.New("guild session is gone")
	// ErrNotConnected means the session has no voice connection to render into.
	ErrNotConnected = errors.New("not connected to voice")
	ErrTooLong      = errors.New("track exceeds the maximum duration")
)

// SyntaxError is a malformed or missing command argument.
type SyntaxError struct {
	Usage string
}

func (e *SyntaxError) Error() string {
	if e.Usage == "" {
		return "syntax error"
	}
	return "syntax error, usage: " + e.Usage
}

// RangeError is an index or numeric value outside its valid bounds.
type RangeError struct {
	Msg string
}

func (e *RangeError) Error() string { return e.Msg }

// PermissionError means the caller lacks elevated rights.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string {
	if e.Msg == "" {
		return "you do not have permission to do that"
	}
	return e.Msg
}

type ResolutionError struct {
	Query string
	Err   error
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no results for %q", e.Query)
	}
	return fmt.Sprintf("failed to resolve %q: %v", e.Query, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type FetchError struct {
	Title string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %q: %v", e.Title, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type NotPlayingError struct{}

func (e *NotPlayingError) Error() string { return "nothing is playing" }

// UpstreamUnavailableError is a transient failure of an outside service.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (e *UpstreamUnavailableError) Error() string {
	if e.Err == nil {
		return e.Service + " is busy"
	}
	return fmt.Sprintf("%s is busy: %v", e.Service, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }
