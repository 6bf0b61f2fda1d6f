package types

// MessageFromClient is a structured inbound websocket text frame. Text
// frames that do not parse into this shape are treated as bare control
// tokens or control JSON by the receiver loop.
type MessageFromClient struct {
	Msg        string `json:"msg"`
	ChatRoomID string `json:"chatRoomId"`
	Translate  bool   `json:"translate,omitempty"`
}

// MessageToClient is an outbound websocket frame. Finish marks the end
// of one AI turn; Init frames carry session rehydration payloads.
type MessageToClient struct {
	Msg        string `json:"msg"`
	ChatRoomID string `json:"chatRoomId"`
	Finish     bool   `json:"finish"`
	Init       bool   `json:"init"`

	ModelName     string         `json:"modelName,omitempty"`
	ChatRooms     []ChatProfile  `json:"chatRooms,omitempty"`
	Models        []string       `json:"models,omitempty"`
	SelectedModel string         `json:"selectedModel,omitempty"`
	PreviousChats []PreviousChat `json:"previousChats,omitempty"`
	TotalTokens   *int           `json:"totalTokens,omitempty"`
	WaitNextQuery bool           `json:"waitNextQuery,omitempty"`
}

// PreviousChat is one prior turn inside an init frame, flattened for
// client-side rendering.
type PreviousChat struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ModelName string `json:"modelName,omitempty"`
	Timestamp int64  `json:"timestamp"`
	UUID      string `json:"uuid"`
}

// FileUploadHeader is the control JSON announcing that the next binary
// frame carries a file with this name.
type FileUploadHeader struct {
	Filename string `json:"filename"`
}
