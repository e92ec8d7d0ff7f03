package relay

// MessageType identifies a control message on the agent channel.
type MessageType string

const (
	// MessageRequestFile asks the agent to post the body of one shared
	// file back over HTTP.
	MessageRequestFile MessageType = "REQUEST_FILE"

	// MessageRequestShares asks the agent to re-upload its share index.
	MessageRequestShares MessageType = "REQUEST_SHARES"
)

// Message is the JSON envelope sent from controller to agent over the
// websocket channel. Agent responses travel the other way as HTTP
// multipart uploads bound to the message id by an HMAC credential.
type Message struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id,omitempty"`
	Filename string      `json:"filename,omitempty"`
}

// ShareManifest describes an agent's share slice alongside the shipped
// index database, so the controller can sanity check the import.
type ShareManifest struct {
	Agent       string `json:"agent"`
	Directories int    `json:"directories"`
	Files       int    `json:"files"`
	Excluded    int    `json:"excluded"`
}

// Multipart part names for agent responses. Credential always comes
// first so the handler can reject before touching the body.
const (
	partCredential = "credential"
	partFile       = "file"
	partShares     = "shares"
	partDatabase   = "database"
)
