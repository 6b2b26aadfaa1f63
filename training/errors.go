package training

import (
	"errors"
	"fmt"
)

// Stage names the phase of a run an error aborted.
type Stage string

const (
	StageConstruction    Stage = "construction"
	StageDistributedInit Stage = "distributed init"
	StageTraining        Stage = "training"
	StageEvaluation      Stage = "evaluation"
	StagePersistence     Stage = "persistence"
)

// StageError is a fatal error annotated with the stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fail wraps err with stage. A nil err stays nil and an error that already
// carries a stage keeps it.
func Fail(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage of err, or "" if it has none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
