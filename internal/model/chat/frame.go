package chat

// Server-to-client frame types.
const (
	FrameMessage        = "message"
	FrameChunk          = "chunk"
	FrameStreamComplete = "stream_complete"
	FrameError          = "error"
)

// Client-to-server frame types.
const (
	FrameUserMessage = "user_message"
	FrameChunkAck    = "chunk_ack"
)

// Frame is the JSON envelope exchanged over the websocket. The same shape
// serves every outbound frame type; unused fields are omitted on the wire.
type Frame struct {
	Type            string `json:"type"`
	Role            string `json:"role,omitempty"`
	Content         string `json:"content,omitempty"`
	Source          string `json:"source,omitempty"`
	UserName        string `json:"user_name,omitempty"`
	SeqID           int    `json:"seq_id,omitempty"`
	ExpectsResponse bool   `json:"expects_response,omitempty"`
}

// Inbound is a client frame: user_message carries Content and UserName,
// chunk_ack carries SeqID.
type Inbound struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	UserName string `json:"user_name,omitempty"`
	SeqID    int    `json:"seq_id,omitempty"`
}
