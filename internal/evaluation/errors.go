package evaluation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoStageResults is returned by Score when stage 1 produced nothing.
var ErrNoStageResults = errors.New("no stage 1 results available for scoring")

// ErrStageFrozen is returned when results arrive for a closed stage.
var ErrStageFrozen = errors.New("stage is frozen")

// PreconditionError means the run cannot start.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "evaluation precondition failed: " + e.Reason
}

// MalformedResponseError means the model reply held no usable JSON object.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed model response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// BatchHardFailure aborts the run after a batch exhausted its retries.
type BatchHardFailure struct {
	Stage int
	Rules []string
	Err   error
}

func (e *BatchHardFailure) Error() string {
	return fmt.Sprintf("batch evaluation failed in stage %d for [%s]: %v", e.Stage, strings.Join(e.Rules, ", "), e.Err)
}

func (e *BatchHardFailure) Unwrap() error {
	return e.Err
}
