// Package timeline is the authoritative record of streams, recordings, segments,
// triggers, clip jobs, clips and upload jobs. All workers read and mutate it
// through Store, which enforces the cross-entity invariants: consecutive
// segments of a recording are contiguous, at most one recording is active per
// stream, at most one segment is open per recording, and a segment is never
// deleted while a non-terminal clip job holds a reference to it.
package timeline

import "time"

// Stream is a monitored channel on some platform.
type Stream struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Platform   string    `json:"platform"`
	ChannelRef string    `json:"channel_ref,omitempty"`
	Live       bool      `json:"live"`
	AutoRecord bool      `json:"auto_record"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recording states.
const (
	RecordingActive = "active"
	RecordingClosed = "closed"
)

// Recording is one live session of a stream, an append-only sequence of segments.
type Recording struct {
	ID        string     `json:"id"`
	StreamID  int64      `json:"stream_id"`
	State     string     `json:"state"`
	Degraded  bool       `json:"degraded"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Segment states.
const (
	SegmentOpen    = "open"
	SegmentClosed  = "closed"
	SegmentDeleted = "deleted"
)

// Segment is a time-bounded slice of a recording's media. Closed segments are
// immutable: end_time is fixed and the file is never rewritten.
type Segment struct {
	ID          int64      `json:"id"`
	RecordingID string     `json:"recording_id"`
	Seq         int        `json:"seq"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"` // nil while open
	FilePath    string     `json:"file_path"`
	State       string     `json:"state"`
}

// Duration returns the segment length, or 0 for an open segment.
func (s Segment) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Trigger rule kinds.
const (
	TriggerDonation  = "donation"
	TriggerChatRate  = "chat_rate"
	TriggerSentiment = "sentiment"
)

// Trigger is a configured rule matched against events of live streams.
type Trigger struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Threshold   float64 `json:"threshold"`
	SpikeFactor float64 `json:"spike_factor,omitempty"` // chat_rate only; 0 disables the spike check
	PreBuffer   float64 `json:"pre_buffer_seconds"`
	PostBuffer  float64 `json:"post_buffer_seconds"`
	Enabled     bool    `json:"enabled"`
}

// Event is a normalized external signal sample for a stream.
type Event struct {
	ID       int64     `json:"id"`
	StreamID int64     `json:"stream_id"`
	Kind     string    `json:"kind"`
	Value    float64   `json:"value"`
	TS       time.Time `json:"ts"`
}

// ClipJob states.
const (
	ClipJobPending    = "pending"
	ClipJobWaiting    = "waiting_for_segment"
	ClipJobExtracting = "extracting"
	ClipJobReady      = "ready"
	ClipJobFailed     = "failed"
)

// ClipJob resolves an absolute time window into an extracted clip file.
type ClipJob struct {
	ID           string     `json:"id"`
	StreamID     int64      `json:"stream_id"`
	RecordingID  string     `json:"recording_id,omitempty"`
	TriggerID    *int64     `json:"trigger_id,omitempty"` // nil for manual requests
	WindowStart  time.Time  `json:"window_start"`
	WindowEnd    time.Time  `json:"window_end"`
	State        string     `json:"state"`
	Attempts     int        `json:"attempts"`
	Truncated    bool       `json:"truncated"`
	Score        float64    `json:"score"`
	Error        string     `json:"error,omitempty"`
	ClipID       string     `json:"clip_id,omitempty"`
	FiredAt      *time.Time `json:"fired_at,omitempty"`
	WaitDeadline *time.Time `json:"wait_deadline,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Terminal reports whether the job is in a terminal state.
func (j ClipJob) Terminal() bool { return j.State == ClipJobReady || j.State == ClipJobFailed }

// Clip is a finished output file. Immutable once created.
type Clip struct {
	ID          string    `json:"id"`
	ClipJobID   string    `json:"clip_job_id"`
	StreamID    int64     `json:"stream_id"`
	FilePath    string    `json:"file_path"`
	Thumbnail   string    `json:"thumbnail_path,omitempty"`
	Duration    float64   `json:"duration_seconds"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Truncated   bool      `json:"truncated"`
	Score       float64   `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// UploadJob states.
const (
	UploadQueued    = "queued"
	UploadUploading = "uploading"
	UploadSucceeded = "succeeded"
	UploadFailed    = "failed"
)

// UploadJob pushes one clip to one destination with retry bookkeeping.
type UploadJob struct {
	ID            string    `json:"id"`
	ClipID        string    `json:"clip_id"`
	Destination   string    `json:"destination"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	RemoteURL     string    `json:"remote_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
