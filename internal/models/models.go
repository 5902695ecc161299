package models

// ArtifactKind tells clients whether the artifact is a single image or an archive.
type ArtifactKind string

const (
	KindSingle ArtifactKind = "single"
	KindBulk   ArtifactKind = "bulk"
)

// UploadedFile is a transient source written by the upload layer.
// The pipeline owns it until the source is removed.
type UploadedFile struct {
	TempPath     string `json:"-"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
}

// Outcome is the result of transcoding one uploaded file.
// Exactly one of Data or Err is set.
type Outcome struct {
	SourceName string
	Data       []byte
	Err        error
}

// OK reports whether the transcode succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// OutputArtifact is the persisted result of one request.
type OutputArtifact struct {
	Kind       ArtifactKind `json:"type"`
	StoredName string       `json:"stored_name"`
	URL        string       `json:"url"`
}

// Profile fixes the target encoding.
type Profile struct {
	MaxWidth int
	Quality  int
	Format   string
}

// DefaultProfile is the web profile used when nothing is configured.
func DefaultProfile() Profile {
	return Profile{MaxWidth: 1600, Quality: 75, Format: "webp"}
}

// FileStatus is the per-file state reported to progress subscribers.
type FileStatus string

const (
	FileCompressed FileStatus = "compressed"
	FileFailed     FileStatus = "failed"
)

// ProgressEvent is sent to clients over WebSocket.
type ProgressEvent struct {
	BatchID string     `json:"batch_id"`
	Index   int        `json:"index"`
	Total   int        `json:"total"`
	File    string     `json:"file"`
	Status  FileStatus `json:"status"`
	Error   string     `json:"error,omitempty"`
}

// CompressResponse is the success body of POST /compress.
type CompressResponse struct {
	Type ArtifactKind `json:"type"`
	URL  string       `json:"url"`
}

// ErrorResponse is the failure body of POST /compress.
type ErrorResponse struct {
	Error string `json:"error"`
}
