// Package protocol defines the API request/response types shared by the
// server and the client.
package protocol

// EntryTypeFile is the only entry type a Tree carries. Directories exist
// only as path prefixes.
const EntryTypeFile = "file"

// FileEntry describes one regular file under the workspace root.
// Content is empty when the file is not valid UTF-8 text.
type FileEntry struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	Content      string `json:"content"`
	LastModified int64  `json:"lastModified"` // epoch millis
}

// UploadResponse is returned by POST /api/upload.
type UploadResponse struct {
	Success bool        `json:"success"`
	Files   []FileEntry `json:"files"`
}

// SaveRequest is the body for POST /api/files/save.
type SaveRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// SuccessResponse is returned by save and delete.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ExecuteRequest is the body for POST /api/execute.
type ExecuteRequest struct {
	Command string `json:"command"`
}

// CommandResult is returned by POST /api/execute and carried by the
// command_output event. Error is nil when the command exited 0.
type CommandResult struct {
	ID         string  `json:"id,omitempty"`
	Command    string  `json:"command"`
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	Error      *string `json:"error"`
	ExitCode   int     `json:"exitCode"`
	DurationMs int64   `json:"durationMs"`
	Timestamp  string  `json:"timestamp"` // RFC 3339
}

// Failed reports whether the result carries an error message.
func (r CommandResult) Failed() bool {
	return r.Error != nil
}

// HistoryResponse is returned by GET /api/history.
type HistoryResponse struct {
	Commands []CommandResult `json:"commands"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}
