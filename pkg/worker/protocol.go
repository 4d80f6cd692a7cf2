package worker

import "github.com/jdziat/court-ocr-jobs/pkg/core"

// Message types written by a worker process, one JSON object per line.
const (
	MsgReady  = "ready"
	MsgResult = "result"
	MsgError  = "error"
)

// Request asks a worker process to run one job.
type Request struct {
	DocumentID uint `json:"doc_id"`
}

// Message is written by a worker process on stdout.
type Message struct {
	Type      string          `json:"type"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Placement string          `json:"placement,omitempty"`
	Result    *core.JobResult `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Exit tells the pool the process stops after this result.
	Exit bool `json:"exit,omitempty"`
}
