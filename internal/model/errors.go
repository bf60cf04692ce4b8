package model

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotAlive matches *ProcessNotAliveError via errors.Is.
	ErrProcessNotAlive = errors.New("process is not alive")
	// ErrFlushTimeout means no acknowledgement arrived within the overall
	// deadline although the process stayed alive. Retryable by the caller.
	ErrFlushTimeout = errors.New("flush acknowledgement timed out")
	// ErrFlushPending rejects a second flush while one is outstanding.
	ErrFlushPending = errors.New("flush already pending")
	// ErrResultStreamParse marks the result stream processor permanently
	// failed for this job. Not recoverable without reopening the job.
	ErrResultStreamParse = errors.New("result stream parse failure")
	// ErrJobClosed is returned by operations on a closed or killed manager.
	ErrJobClosed = errors.New("job closed")
)

// ProcessNotAliveError reports a dead or unreachable worker process together
// with the last text captured from its diagnostic stream, so an operator can
// see why the native side went away.
type ProcessNotAliveError struct {
	JobID      string
	Diagnostic string
}

func (e *ProcessNotAliveError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("[%s] unexpected death of worker process", e.JobID)
	}
	return fmt.Sprintf("[%s] unexpected death of worker process: %s", e.JobID, e.Diagnostic)
}

func (e *ProcessNotAliveError) Is(target error) bool {
	return target == ErrProcessNotAlive
}
