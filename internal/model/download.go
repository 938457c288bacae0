package model

import "time"

type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDownloading TaskStatus = "downloading"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// Failure reasons recorded on failed tasks.
const (
	ReasonCancelled         = "cancelled"
	ReasonInterrupted       = "interrupted"
	ReasonChecksumMismatch  = "checksum_mismatch"
	ReasonInsufficientSpace = "insufficient_space"
	ReasonIO                = "io_error"
	ReasonNetwork           = "network_error"
)

// DownloadTask is the durable state machine for one content download.
type DownloadTask struct {
	ID             string     `json:"id"`
	SourceKind     Kind       `json:"source_kind"`
	SourceID       int64      `json:"source_id"`
	Status         TaskStatus `json:"status"`
	DownloadedSize int64      `json:"downloaded_size"`
	TotalSize      *int64     `json:"total_size,omitempty"`
	Progress       int        `json:"progress"`
	Reason         string     `json:"reason,omitempty"`
	LocalPath      string     `json:"local_path,omitempty"`
	SHA256         string     `json:"sha256,omitempty"`
	CreatedTime    time.Time  `json:"created_time"`
	UpdatedTime    time.Time  `json:"updated_time"`
}

// ProgressUpdate is one observation of a running task.
type ProgressUpdate struct {
	TaskID         string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	DownloadedSize int64      `json:"downloaded_size"`
	TotalSize      *int64     `json:"total_size,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

func (t DownloadTask) Update() ProgressUpdate {
	return ProgressUpdate{
		TaskID:         t.ID,
		Status:         t.Status,
		Progress:       t.Progress,
		DownloadedSize: t.DownloadedSize,
		TotalSize:      t.TotalSize,
		Reason:         t.Reason,
	}
}

// PercentOf clamps downloaded/total into 0..100. Unknown totals report 0
// until completion.
func PercentOf(downloaded int64, total *int64) int {
	if total == nil || *total <= 0 {
		return 0
	}
	p := int(downloaded * 100 / *total)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
