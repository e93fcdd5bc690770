package stage

import (
	"time"

	"bactrack/auth"
)

// Record is one stored stage row. Nil timestamps and strings are unset; a nil
// CreatedAt means the stage has not started.
type Record struct {
	ProjectID  string
	Name       string
	Position   int
	CreatedAt  *time.Time
	ApprovedAt *time.Time
	Office     *string
	Remarks    *string
	Submitted  bool
}

// Fields is the per-stage payload of a submission. CreatedAt and ApprovedAt are
// naive local datetimes as entered by the caller.
type Fields struct {
	CreatedAt  string `json:"createdAt"`
	ApprovedAt string `json:"approvedAt"`
	Office     string `json:"office"`
	Remark     string `json:"remark"`
}

// State is the presentation state of a stage for a given actor.
type State string

const (
	StateNotStarted         State = "not_started"
	StateAwaitingPriorStage State = "awaiting_prior_stage"
	StateEditable           State = "editable"
	StateSubmitted          State = "submitted"
)

// Action is the control a row offers.
type Action string

const (
	ActionSubmit   Action = "submit"
	ActionUnsubmit Action = "unsubmit"
	ActionFinished Action = "finished"
	ActionNone     Action = "none"
)

// RowState is derived from a snapshot on every read and never stored.
type RowState struct {
	Stage     string `json:"stageName"`
	Position  int    `json:"position"`
	State     State  `json:"state"`
	Allowed   bool   `json:"allowed"`
	Submitted bool   `json:"submitted"`
	Editable  bool   `json:"editable"`
}

// Prefill holds form values in input form. Only submitted stages carry one.
type Prefill struct {
	CreatedAt  string `json:"createdAt"`
	ApprovedAt string `json:"approvedAt"`
	Office     string `json:"office"`
	Remark     string `json:"remark"`
}

// Row is the full presentation of one stage.
type Row struct {
	RowState
	Action     Action   `json:"action"`
	Prefill    *Prefill `json:"prefill,omitempty"`
	CreatedAt  *string  `json:"createdAt"`
	ApprovedAt *string  `json:"approvedAt"`
	Office     *string  `json:"office"`
	Remarks    *string  `json:"remarks"`
}

type Snapshot struct {
	ProjectID string `json:"projectId"`
	Rows      []Row  `json:"stages"`
}

// Row returns the named row of the snapshot.
func (s Snapshot) Row(name string) (Row, bool) {
	for _, r := range s.Rows {
		if r.Stage == name {
			return r, true
		}
	}
	return Row{}, false
}

// SubmitParams carries one stage update together with the acting user.
type SubmitParams struct {
	ProjectID string
	Stage     string
	Fields    Fields
	Actor     auth.Actor
}

const (
	EventStageSubmitted   = "STAGE_SUBMITTED"
	EventStageUnsubmitted = "STAGE_UNSUBMITTED"

	TopicStageSubmitted   = "stage.submitted"
	TopicStageUnsubmitted = "stage.unsubmitted"
)

// Event is a timeline entry appended alongside every applied transition.
type Event struct {
	ProjectID string
	Stage     string
	Type      string
	ActorID   string
	Payload   map[string]any
}
