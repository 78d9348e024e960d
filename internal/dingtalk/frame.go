package dingtalk

// Stream-mode frame types. SYSTEM carries keep-alive and connection control;
// CALLBACK carries subscribed message deliveries; EVENT carries open-platform
// events (unsubscribed here, acknowledged and dropped).
const (
	FrameTypeSystem   = "SYSTEM"
	FrameTypeCallback = "CALLBACK"
	FrameTypeEvent    = "EVENT"
)

// FrameHeaders is the envelope header block shared by frames and acks.
type FrameHeaders struct {
	MessageID   string `json:"messageId"`
	ContentType string `json:"contentType,omitempty"`
	Topic       string `json:"topic"`
}

// Frame is one inbound stream-mode envelope. Data is a JSON document whose
// shape depends on the topic.
type Frame struct {
	SpecVersion string       `json:"specVersion"`
	Type        string       `json:"type"`
	Headers     FrameHeaders `json:"headers"`
	Data        string       `json:"data"`
}

// AckFrame is the acknowledgement sent back for every received frame.
type AckFrame struct {
	Code    int          `json:"code"`
	Headers FrameHeaders `json:"headers"`
	Message string       `json:"message"`
	Data    string       `json:"data"`
}

// NewAck builds the acknowledgement for a received frame, echoing its message
// id and topic.
func NewAck(f Frame) AckFrame {
	return AckFrame{
		Code: 200,
		Headers: FrameHeaders{
			MessageID:   f.Headers.MessageID,
			ContentType: "application/json",
			Topic:       f.Headers.Topic,
		},
		Message: "OK",
		Data:    "",
	}
}
