package domain

import (
	"encoding/json"
	"fmt"
)

// ResultTarget tells where the verification result of a task is persisted.
// It is either PullTarget or PushTarget.
type ResultTarget interface {
	isResultTarget()
}

// PullTarget stores results on the task record only.
type PullTarget struct{}

// PushTarget merges results into an external solution record.
type PushTarget struct {
	SolutionRef string
}

func (PullTarget) isResultTarget() {}
func (PushTarget) isResultTarget() {}

// Payload is the verification request carried by a task.
type Payload struct {
	Language string
	Solution string
	Tests    string
	Target   ResultTarget
}

type payloadJSON struct {
	Language    string `json:"language"`
	Solution    string `json:"solution"`
	Tests       string `json:"tests"`
	SolutionRef string `json:"solutionRef,omitempty"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := payloadJSON{
		Language: p.Language,
		Solution: p.Solution,
		Tests:    p.Tests,
	}
	if push, ok := p.Target.(PushTarget); ok {
		out.SolutionRef = push.SolutionRef
	}
	return json.Marshal(out)
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var in payloadJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	p.Language = in.Language
	p.Solution = in.Solution
	p.Tests = in.Tests
	if in.SolutionRef != "" {
		p.Target = PushTarget{SolutionRef: in.SolutionRef}
	} else {
		p.Target = PullTarget{}
	}
	return nil
}

// TestResult is the outcome of a single test.
type TestResult struct {
	Test    string `json:"test"`
	Correct bool   `json:"correct"`
	Error   string `json:"error,omitempty"`
}

// VerificationResult is the report printed by a verifier image on stdout.
type VerificationResult struct {
	Solved  bool         `json:"solved"`
	Results []TestResult `json:"results,omitempty"`
	Errors  string       `json:"errors,omitempty"`
}

// Task is a unit of verification work stored under a queue.
type Task struct {
	ID string `json:"-"`

	Payload Payload `json:"payload"`
	Owner   string  `json:"owner,omitempty"`
	Worker  string  `json:"worker,omitempty"`

	Started   bool `json:"started"`
	Completed bool `json:"completed"`
	Consumed  bool `json:"consumed"`

	CreatedAt   int64 `json:"createdAt,omitempty"`
	StartedAt   int64 `json:"startedAt,omitempty"`
	CompletedAt int64 `json:"completedAt,omitempty"`

	// Tries maps a worker uid to the time of its last failed attempt.
	Tries map[string]int64 `json:"tries,omitempty"`

	Results *VerificationResult `json:"results,omitempty"`
}

// TriedBy reports whether worker already failed this task.
func (t Task) TriedBy(worker string) bool {
	_, ok := t.Tries[worker]
	return ok
}

// DecodeTask converts a stored task document into a Task.
func DecodeTask(id string, doc map[string]any) (Task, error) {
	var t Task
	if err := decodeDocument(doc, &t); err != nil {
		return Task{}, fmt.Errorf("failed to decode task %q: %w", id, err)
	}
	if t.Payload.Target == nil {
		t.Payload.Target = PullTarget{}
	}
	t.ID = id
	return t, nil
}

// WorkerPresence is the liveness record of a worker.
type WorkerPresence struct {
	StartedAt int64 `json:"startedAt"`
	Presence  int64 `json:"presence"`
}

// DecodeWorker converts a stored worker document into a WorkerPresence.
func DecodeWorker(doc map[string]any) (WorkerPresence, error) {
	var w WorkerPresence
	if err := decodeDocument(doc, &w); err != nil {
		return WorkerPresence{}, fmt.Errorf("failed to decode worker: %w", err)
	}
	return w, nil
}

func decodeDocument(doc map[string]any, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
