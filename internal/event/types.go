package event

// SessionStartedData is the data for session.started events.
type SessionStartedData struct {
	UserID string `json:"userId"`
}

// SessionEndedData is the data for session.ended events.
type SessionEndedData struct {
	UserID string `json:"userId"`
	Err    string `json:"err,omitempty"`
}

// ContextSwitchedData is the data for context.switched events.
type ContextSwitchedData struct {
	UserID     string `json:"userId"`
	ChatRoomID string `json:"chatRoomId"`
	Created    bool   `json:"created"` // true when the room was created by the switch
}

// TurnAppendedData is the data for turn.appended events.
type TurnAppendedData struct {
	UserID     string `json:"userId"`
	ChatRoomID string `json:"chatRoomId"`
	Role       string `json:"role"`
	UUID       string `json:"uuid"`
	Tokens     int    `json:"tokens"`
}

// TurnRemovedData is the data for turn.removed events.
type TurnRemovedData struct {
	UserID     string `json:"userId"`
	ChatRoomID string `json:"chatRoomId"`
	Role       string `json:"role"`
	Count      int    `json:"count"`
}

// StreamDeltaData is the data for stream.delta events.
type StreamDeltaData struct {
	UserID     string `json:"userId"`
	ChatRoomID string `json:"chatRoomId"`
	Delta      string `json:"delta"`
}

// ModelLoadedData is the data for model.loaded events.
type ModelLoadedData struct {
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
}

// ModelEvictedData is the data for model.evicted events.
type ModelEvictedData struct {
	Kind        string `json:"kind"`
	Identity    string `json:"identity"`
	FootprintMB int    `json:"footprintMB"`
}

// TaskHarvestedData is the data for task.harvested events.
type TaskHarvestedData struct {
	UserID  string `json:"userId"`
	TaskID  string `json:"taskId"`
	Applied bool   `json:"applied"` // false when the target entry had vanished
}
