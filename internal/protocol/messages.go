package protocol

import "time"

// Progress is published after every finished task of a batch.
type Progress struct {
	SessionID   string    `json:"session_id"`
	Completed   int       `json:"completed"`
	Total       int       `json:"total"`
	ElapsedMS   int64     `json:"elapsed_ms"`
	RemainingMS int64     `json:"remaining_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// PartReady announces a part whose audio is ready for review.
type PartReady struct {
	SessionID    string    `json:"session_id"`
	Segment      int       `json:"segment"`
	Part         int       `json:"part"`
	SegmentTitle string    `json:"segment_title"`
	Kind         string    `json:"kind"`
	Filename     string    `json:"filename"`
	AudioPath    string    `json:"audio_path"`
	DurationMS   int64     `json:"duration_ms"`
	Approved     bool      `json:"approved"`
	Timestamp    time.Time `json:"timestamp"`
}

// TaskFailure is one entry of a batch error report.
type TaskFailure struct {
	Segment      int    `json:"segment"`
	Part         int    `json:"part"`
	SegmentTitle string `json:"segment_title"`
	Message      string `json:"message"`
}

// BatchDone summarizes a finished batch.
type BatchDone struct {
	SessionID string        `json:"session_id"`
	Parts     int           `json:"parts"`
	Failures  []TaskFailure `json:"failures,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Finalized reports the written master track.
type Finalized struct {
	SessionID     string    `json:"session_id"`
	MasterPath    string    `json:"master_path"`
	IndividualDir string    `json:"individual_dir"`
	Files         int       `json:"files"`
	DurationMS    int64     `json:"duration_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	SubjectProgress  = "narrator.progress"
	SubjectPartReady = "narrator.part.ready"
	SubjectBatchDone = "narrator.batch.done"
	SubjectFinalized = "narrator.finalized"
)
