package core

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// JobState is the lifecycle state of a Job. Transitions are monotonic:
// a terminal state is never left, and the only re-entry to Queued is an
// explicit requeue of a Scheduled or Running job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateScheduled JobState = "scheduled"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateAborted   JobState = "aborted"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted:
		return true
	}
	return false
}

var legalTransitions = map[JobState][]JobState{
	StateQueued:    {StateScheduled, StateAborted},
	StateScheduled: {StateRunning, StateQueued, StateFailed, StateAborted},
	StateRunning:   {StateSucceeded, StateFailed, StateAborted, StateQueued},
}

// CanTransition reports whether s -> to is a legal state change.
func (s JobState) CanTransition(to JobState) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Reason classifies why a Job or Stage ended the way it did.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonAgentLost         Reason = "AgentLost"
	ReasonDispatchExhausted Reason = "DispatchExhausted"
	ReasonStageTimeout      Reason = "StageTimeout"
	ReasonStageFailure      Reason = "StageFailure"
	ReasonAborted           Reason = "Aborted"
)

// ActionType tags the closed set of stage action variants.
type ActionType string

const (
	ActionShell     ActionType = "shell"
	ActionContainer ActionType = "container"
	ActionApproval  ActionType = "approval"
	ActionGate      ActionType = "gate"
)

// Action describes what a Stage does. Exactly one variant's fields are
// meaningful, selected by Type.
type Action struct {
	Type ActionType `yaml:"type" json:"type" validate:"required,oneof=shell container approval gate"`

	// Shell
	Run string            `yaml:"run,omitempty" json:"run,omitempty"`
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Container
	Image   string   `yaml:"image,omitempty" json:"image,omitempty"`
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// Approval
	Approver string `yaml:"approver,omitempty" json:"approver,omitempty"`

	// Gate
	Metric    string  `yaml:"metric,omitempty" json:"metric,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	// FailAbove inverts the gate: breach when the observed value is
	// above the threshold instead of below.
	FailAbove bool `yaml:"fail_above,omitempty" json:"fail_above,omitempty"`
}

// Stage is one step of a Job. Immutable once the Job is created.
type Stage struct {
	Name    string   `yaml:"name" json:"name" validate:"required"`
	Action  Action   `yaml:"action" json:"action"`
	Group   string   `yaml:"group,omitempty" json:"group,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries int      `yaml:"retries,omitempty" json:"retries,omitempty" validate:"min=0"`

	// Artifacts are file paths (relative to the agent workdir) published
	// to the artifact store when the stage succeeds.
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// Hooks are post-condition stages that run after the terminal stage
// outcome is known. Their failures never change the Job's result.
type Hooks struct {
	Always    []Stage `yaml:"always,omitempty" json:"always,omitempty" validate:"dive"`
	OnSuccess []Stage `yaml:"on_success,omitempty" json:"on_success,omitempty" validate:"dive"`
	OnFailure []Stage `yaml:"on_failure,omitempty" json:"on_failure,omitempty" validate:"dive"`
}

// Definition is the user-supplied description of a Job.
type Definition struct {
	Name     string   `yaml:"name" json:"name"`
	Labels   []string `yaml:"labels,omitempty" json:"labels,omitempty" validate:"dive,reslabel"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	Lock     string   `yaml:"lock,omitempty" json:"lock,omitempty" validate:"omitempty,reslabel"`
	Stages   []Stage  `yaml:"stages" json:"stages" validate:"required,min=1,dive"`
	Hooks    Hooks    `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// OutputRef points at a stage's captured output: where it was written
// and the content hash that makes the reference tamper-evident.
type OutputRef struct {
	Path string `json:"path,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// StageStatus is the per-stage outcome.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult records one stage's execution.
type StageResult struct {
	Stage    string      `json:"stage"`
	Status   StageStatus `json:"status"`
	Attempts int         `json:"attempts"`
	Output   string      `json:"output,omitempty"`
	Ref      OutputRef   `json:"ref,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Outcome is the terminal result of a Job.
type Outcome struct {
	State         JobState      `json:"state"`
	Reason        Reason        `json:"reason,omitempty"`
	TerminalStage string        `json:"terminal_stage,omitempty"`
	Stages        []StageResult `json:"stages,omitempty"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// Job is a unit of requested work. Non-terminal state is mutated only
// through Queue methods; the executor determines the terminal Outcome.
type Job struct {
	ID         string     `json:"id"`
	Definition Definition `json:"definition"`
	State      JobState   `json:"state"`
	AgentID    string     `json:"agent_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Outcome    *Outcome   `json:"outcome,omitempty"`

	// Seq orders jobs by submission for FIFO tie-breaking.
	Seq uint64 `json:"seq"`

	// DispatchAttempts counts handoffs to an agent, bounded by the
	// scheduler's retry budget.
	DispatchAttempts int `json:"dispatch_attempts"`

	abortRequested bool
}

// AbortRequested reports whether an abort has been asked for. Only
// meaningful while the job is non-terminal.
func (j *Job) AbortRequested() bool { return j.abortRequested }

// labelsSatisfied reports whether every required label appears in the
// offered capability set.
func labelsSatisfied(required, offered []string) bool {
	for _, want := range required {
		found := false
		for _, have := range offered {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Duration wraps time.Duration so definitions can say "30s" or "5m" in
// YAML and the same value survives the JSON hop to the agent.
type Duration time.Duration

// Or returns the duration, or def when unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses "90s"-style duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}
