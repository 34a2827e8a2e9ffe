package event

// Type names an event.
type Type string

const (
	StepStarted   Type = "step.started"
	StepCompleted Type = "step.completed"
	StepFailed    Type = "step.failed"
	Snippet       Type = "model.snippet"
	PatchApplied  Type = "patch.applied"
	SessionReset  Type = "session.reset"
	CheckStart    Type = "check.start"
	CheckOK       Type = "check.ok"
	CheckFailed   Type = "check.failed"
	CheckSkipped  Type = "check.skipped"
	FormatStart   Type = "format.start"
	FormatOK      Type = "format.ok"
	Log           Type = "log"
	FileChanged   Type = "file.changed"
)

// StepData accompanies step.* events.
type StepData struct {
	SessionID string `json:"sessionID"`
	Step      int    `json:"step"`
	Type      string `json:"stepType,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SnippetData carries a chunk of streamed model output.
type SnippetData struct {
	Text string `json:"text"`
}

// PatchData describes an applied patch.
type PatchData struct {
	Step  int      `json:"step"`
	Files []string `json:"files"`
}

// ResetData describes a session reset.
type ResetData struct {
	Offset   int      `json:"offset"`
	Reverted []string `json:"reverted"`
}

// CheckData accompanies check.* and format.* events.
type CheckData struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// LogData is a free-form message.
type LogData struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// FileChangedData is published by the file watcher.
type FileChangedData struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}
