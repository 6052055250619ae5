package domain

import (
	"encoding"
	"time"
)

type JobType string

const (
	JobTypeImage JobType = "image"
	JobTypeVideo JobType = "video"
	JobTypeMesh  JobType = "mesh"
)

// Variant is the generation mode of a job, inferred from the presence of a
// source-media parameter rather than declared by the caller.
type Variant string

const (
	VariantTextToImage  Variant = "text_to_image"
	VariantImageToImage Variant = "image_to_image"
	VariantTextToVideo  Variant = "text_to_video"
	VariantImageToVideo Variant = "image_to_video"
	VariantTextToMesh   Variant = "text_to_mesh"
	VariantImageToMesh  Variant = "image_to_mesh"
)

// SourceImageParam marks a job as a from-source variant when present in the
// parameter map.
const SourceImageParam = "source_image_path"

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final job state.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const (
	MinPriority = 1
	MaxPriority = 10
)

// ClampPriority bounds a caller-supplied priority to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// JobRequest is the immutable submission contract. It is created once at
// submission time and never mutated afterwards.
type JobRequest struct {
	ID             string         `json:"id"`
	Type           JobType        `json:"type"`
	UserID         string         `json:"userId,omitempty"`
	ProjectID      string         `json:"projectId,omitempty"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negativePrompt,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	SubmittedAt    time.Time      `json:"submittedAt"`
}

// HasSourceImage reports whether the job carries a source-media reference.
func (j *JobRequest) HasSourceImage() bool {
	if j.Parameters == nil {
		return false
	}
	_, ok := j.Parameters[SourceImageParam]
	return ok
}

// Variant derives the generation mode from the job type and parameters.
func (j *JobRequest) Variant() Variant {
	src := j.HasSourceImage()
	switch j.Type {
	case JobTypeImage:
		if src {
			return VariantImageToImage
		}
		return VariantTextToImage
	case JobTypeVideo:
		if src {
			return VariantImageToVideo
		}
		return VariantTextToVideo
	case JobTypeMesh:
		if src {
			return VariantImageToMesh
		}
		return VariantTextToMesh
	}
	return ""
}

// Attempt is the mutable record of one execution try. Owned by the lifecycle
// runner; discarded once the job is terminal and reported.
type Attempt struct {
	JobID       string    `json:"jobId"`
	Number      int       `json:"number"`
	Status      JobStatus `json:"status"`
	Progress    int       `json:"progress"`
	Error       string    `json:"error,omitempty"`
	WorkerID    string    `json:"workerId,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// JobRecord is the broker-side view of a job: the immutable request plus the
// runtime fields the queue and lifecycle mutate as the job moves through its
// states.
type JobRecord struct {
	Request     JobRequest `json:"request"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Progress    int        `json:"progress"`
	WorkerID    string     `json:"workerId,omitempty"`
	LeaseUntil  string     `json:"leaseUntil,omitempty"`
	Error       string     `json:"error,omitempty"`
	Route       string     `json:"route,omitempty"`
	CallbackURL string     `json:"callbackUrl,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ResourceSnapshot is a point-in-time view of the accelerator device. It is
// read fresh before each admission decision and never persisted.
type ResourceSnapshot struct {
	Available  bool    `json:"available"`
	DeviceName string  `json:"deviceName,omitempty"`
	TotalMiB   float64 `json:"totalMiB"`
	FreeMiB    float64 `json:"freeMiB"`
	UsedMiB    float64 `json:"usedMiB"`
}

// FreeGB returns the free capacity in gigabytes.
func (s ResourceSnapshot) FreeGB() float64 { return s.FreeMiB / 1024 }

// QueueStats summarizes one media queue.
type QueueStats struct {
	Type       JobType `json:"type"`
	Ready      int64   `json:"ready"`
	Delayed    int64   `json:"delayed"`
	InProgress int64   `json:"inProgress"`
	DLQ        int64   `json:"dlq"`
}

var (
	_ encoding.BinaryMarshaler = JobType("")
	_ encoding.TextMarshaler   = JobType("")
	_ encoding.BinaryMarshaler = JobStatus("")
	_ encoding.TextMarshaler   = JobStatus("")
)

func (t JobType) MarshalBinary() ([]byte, error) { return []byte(string(t)), nil }
func (t JobType) MarshalText() ([]byte, error)   { return []byte(string(t)), nil }

func (s JobStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s JobStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
