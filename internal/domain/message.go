package domain

// Attachment is a decoded file sent along with a chat message.
type Attachment struct {
	MimeType string
	Data     []byte
	Name     string // optional
}

// InboundRequest is one user chat message addressed to a provider.
type InboundRequest struct {
	Text        string
	Attachments []Attachment
}

// EventResponseEnd is the shared end-of-stream event name.
const EventResponseEnd = "ai-response-end"

// End statuses carried by EndPayload.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OutboundEvent is a single event delivered to the client.
type OutboundEvent struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// DeltaPayload carries formatted text on a provider event.
type DeltaPayload struct {
	Text string `json:"text"`
}

// EndPayload terminates a response. It is sent once per request.
type EndPayload struct {
	Text   string `json:"text"`
	Status string `json:"status"`
}
