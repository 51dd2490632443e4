package download

import "time"

// PartStatus reports one part of a task
type PartStatus struct {
	Index      int   `json:"index"`
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
	Downloaded int64 `json:"downloaded"`
	Retries    int   `json:"retries"`
	Completed  bool  `json:"completed"`
}

// Progress is a read-only snapshot of a task, computed on demand
type Progress struct {
	TaskID              string        `json:"taskId"`
	URL                 string        `json:"url"`
	FinalURL            string        `json:"finalUrl,omitempty"`
	TargetPath          string        `json:"targetPath"`
	FileName            string        `json:"fileName"`
	TargetFile          string        `json:"targetFile"`
	TaskType            TaskType      `json:"taskType"`
	State               DownloadState `json:"state"`
	Paused              bool          `json:"paused"`
	TotalBytes          int64         `json:"totalBytes"`
	DownloadedBytes     int64         `json:"downloadedBytes"`
	PartsTotal          int           `json:"partsTotal"`
	PartsCompleted      int           `json:"partsCompleted"`
	ProgressRatio       float64       `json:"progressRatio"`
	SpeedBytesPerSecond int64         `json:"speedBytesPerSecond"`
	RangeSupported      bool          `json:"rangeSupported"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
	StartedAt           *time.Time    `json:"startedAt,omitempty"`
	FinishedAt          *time.Time    `json:"finishedAt,omitempty"`
	ErrorMessage        string        `json:"errorMessage,omitempty"`
	Parts               []PartStatus  `json:"parts,omitempty"`
}

// progressRatio returns downloaded/total clamped to [0, 1], or 0 when
// the total is unknown.
func progressRatio(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	ratio := float64(downloaded) / float64(total)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// speedBytesPerSecond returns downloaded*1000/elapsedMillis
func speedBytesPerSecond(downloaded int64, elapsed time.Duration) int64 {
	ms := elapsed.Milliseconds()
	if ms <= 0 || downloaded <= 0 {
		return 0
	}
	return downloaded * 1000 / ms
}

// ETA estimates the remaining time at the current average speed
func (p Progress) ETA() time.Duration {
	if p.SpeedBytesPerSecond <= 0 || p.TotalBytes <= 0 {
		return 0
	}
	remaining := p.TotalBytes - p.DownloadedBytes
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining/p.SpeedBytesPerSecond) * time.Second
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
