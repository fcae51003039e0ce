package protocol

// Push channel event names.
const (
	EventFilesUploaded = "files_uploaded"
	EventFileUpdated   = "file_updated"
	EventFileDeleted   = "file_deleted"
	EventCommandOutput = "command_output"
	EventTreeChanged   = "tree_changed"
)

// FilesUploadedPayload is the data of a files_uploaded event. One event is
// sent per upload request, covering every file the request produced.
type FilesUploadedPayload struct {
	Files []FileEntry `json:"files"`
}

// FileUpdatedPayload is the data of a file_updated event.
type FileUpdatedPayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileDeletedPayload is the data of a file_deleted event.
type FileDeletedPayload struct {
	Path string `json:"path"`
}

// CommandOutputPayload is the data of a command_output event.
type CommandOutputPayload struct {
	Output CommandResult `json:"output"`
}

// TreeChangedPayload is the data of a tree_changed event, raised when the
// tree changes outside the API (for example by a shell command).
type TreeChangedPayload struct {
	Paths []string `json:"paths"`
}

// WSMessage is the frame format on the WebSocket push channel.
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}
