// Package models defines the data shared across CourtPipe modules: the inbound message
// envelope, conversation sessions, reservations and the HTTP response envelope.
package models

// Message is one inbound text from a customer or staff transport.
type Message struct {
	// ID is the transport message id when the transport provides one. Used for dedup.
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// APIResponse is the JSON envelope of every HTTP reply.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: StatusOK, Result: result}
}

// Error builds an error envelope. An optional detail becomes the result.
func Error(message string, detail ...any) APIResponse {
	resp := APIResponse{Status: StatusError, Message: message}
	if len(detail) > 0 {
		resp.Result = detail[0]
	}
	return resp
}
