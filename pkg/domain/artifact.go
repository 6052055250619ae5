package domain

// Artifact is the output of a successful attempt: a generated file plus the
// metadata needed to register it with the owning system. Never mutated after
// creation.
type Artifact struct {
	AssetID     string         `json:"assetId"`
	JobID       string         `json:"jobId"`
	Type        JobType        `json:"assetType"`
	StoragePath string         `json:"storagePath"`
	Filename    string         `json:"filename"`
	MimeType    string         `json:"mimeType"`
	FileSize    int64          `json:"fileSize"`
	Width       int            `json:"width,omitempty"`
	Height      int            `json:"height,omitempty"`
	Duration    float64        `json:"duration,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
