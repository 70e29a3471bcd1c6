package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors recovery code branches on with errors.Is.
var (
	// ErrModelUnavailable means routing exhausted every candidate,
	// including the general-category fallback.
	ErrModelUnavailable = errors.New("no usable model installed")

	// ErrCancelled marks a user-initiated abort. Results produced before
	// the abort travel alongside it, never discarded.
	ErrCancelled = errors.New("cancelled")

	// ErrSessionVersion means a persisted session carries a version tag
	// this build does not understand. The session stays readable but is
	// not resumed.
	ErrSessionVersion = errors.New("unknown session version")
)

// TransportError wraps a failure to reach the model server. Callers
// retry these with backoff; other error kinds are never retried blind.
type TransportError struct {
	Op  string // "chat", "tags", "pull", "embed"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("model server %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ModelMissingError means a requested model is not in the installed
// list. Recovery is a pull offer or routing degradation, never a retry.
type ModelMissingError struct {
	Model string
}

func (e *ModelMissingError) Error() string {
	return fmt.Sprintf("model not installed: %s", e.Model)
}

// ParseError means a model response yielded nothing usable after every
// extraction strategy.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable model response: %s", e.Reason)
}

// VerifierFailure carries the verifier output for a file that did not
// pass. It feeds the fix engine rather than aborting the run.
type VerifierFailure struct {
	Path   string
	Tool   string
	Output string
}

func (e *VerifierFailure) Error() string {
	return fmt.Sprintf("verification failed for %s (%s)", e.Path, e.Tool)
}

// SubprocessTimeout means a foreground command exceeded its deadline
// and was killed. Partial output is preserved on the RunResult.
type SubprocessTimeout struct {
	Command string
	Timeout time.Duration
}

func (e *SubprocessTimeout) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}

// DangerousCommandError means the safety filter refused a command. The
// command was never dispatched.
type DangerousCommandError struct {
	Command string
	Pattern string
}

func (e *DangerousCommandError) Error() string {
	return fmt.Sprintf("blocked dangerous command (matched %q): %s", e.Pattern, e.Command)
}

// PlanInvariantError reports every structural violation found in a
// generated plan: duplicate file paths, unknown dependency ids, cycles.
type PlanInvariantError struct {
	Violations []string
}

func (e *PlanInvariantError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("invalid plan: %s", e.Violations[0])
	}
	return fmt.Sprintf("invalid plan: %d violations, first: %s", len(e.Violations), e.Violations[0])
}

// Err materializes a failed verification as a VerifierFailure. Passing
// results, including skipped ones, yield nil.
func (r VerifyResult) Err() error {
	if r.Passed {
		return nil
	}
	var tool string
	for _, c := range r.Checks {
		if !c.Passed {
			tool = c.Tool
			break
		}
	}
	return &VerifierFailure{Path: r.Path, Tool: tool, Output: r.Summary()}
}

// Err materializes a failed run as an error: a SubprocessTimeout when
// the deadline killed the command, a plain error for a non-zero exit.
// Exit code zero yields nil even when the deadline fired in a race.
func (r RunResult) Err() error {
	switch {
	case r.ExitCode == 0:
		return nil
	case r.TimedOut:
		return &SubprocessTimeout{Command: r.Command, Timeout: r.Duration}
	}
	return fmt.Errorf("command exited %d: %s", r.ExitCode, r.Command)
}
