package stores

import "time"

// BuildStatus represents the status of a layer build.
type BuildStatus string

const (
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusPublished BuildStatus = "published"
	BuildStatusFailed    BuildStatus = "failed"
)

// Build represents one build attempt of a layer target.
type Build struct {
	ID             string      `json:"id"`
	Target         string      `json:"target"`
	Flavor         string      `json:"flavor"`
	Version        uint64      `json:"version"`
	ManifestDigest string      `json:"manifest_digest"`
	Status         BuildStatus `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Error          *string     `json:"error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Snapshot mirrors the currently published snapshot of a target.
type Snapshot struct {
	Target        string    `json:"target"`
	Version       uint64    `json:"version"`
	SubvolRelPath string    `json:"subvolume_rel_path"`
	BuildID       string    `json:"build_id"`
	PublishedAt   time.Time `json:"published_at"`
}
