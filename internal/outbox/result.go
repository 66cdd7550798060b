package outbox

import (
	"errors"
	"fmt"

	"github.com/matheus3301/convsync/internal/model"
)

// ErrNoActiveConversation is returned when a compose action arrives while no
// thread is selected.
var ErrNoActiveConversation = errors.New("no active conversation")

// Stage names a step of the outbound pipeline.
type Stage string

const (
	StageResolve      Stage = "resolve"
	StagePick         Stage = "pick"
	StageEncrypt      Stage = "encrypt"
	StageStage        Stage = "stage"
	StageUploadURL    Stage = "upload_url"
	StageCreateUpload Stage = "create_upload"
	StagePersist      Stage = "persist"
	StageSend         Stage = "send"
	StageUpload       Stage = "upload"
	StageDone         Stage = "done"
)

// StageError is a failure at a specific pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result describes how far a pipeline run got. Stage is the last stage
// reached; on failure it is the stage that failed. Message is set once the
// message was persisted.
type Result struct {
	Stage     Stage
	Message   *model.Message
	TempFile  string
	Cancelled bool
	Err       error
}

// OK reports whether the run succeeded (including no-op runs).
func (r *Result) OK() bool { return r.Err == nil }

func (r *Result) fail(stage Stage, err error) *Result {
	r.Stage = stage
	r.Err = &StageError{Stage: stage, Err: err}
	return r
}
