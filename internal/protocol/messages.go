package protocol

// SUBMIT (client -> server): a raw natural-language goal for one requester.
// The text is untrusted and must pass the sanitizer before a task exists.
type SubmitMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequesterID     string `json:"requester_id"`
	Text            string `json:"text"`
	Priority        int    `json:"priority,omitempty"`
}

// SUBMIT_OK (server -> client)
type SubmitOKMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TaskID          string `json:"task_id"`
}

// SUBMIT_ERR (server -> client). Never carries a partial task id.
type SubmitErrMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// CANCEL (client -> server)
type CancelMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TaskID          string `json:"task_id"`
}

// EVENT (server -> client): lifecycle fan-out frame.
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Event           Event  `json:"event"`
}
