// Package messaging abstracts the text transports CourtPipe talks to customers and staff over.
//
// Every transport implements Service: outbound SendMessage plus a channel of inbound
// messages. Callers never depend on which transport is behind a Service.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the inbound channel buffer of every service.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound message waits for a full channel.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient returns the transport's canonical form of recipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event handlers, polling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the Messages channel.
	Stop() error

	// Messages returns the channel of inbound messages.
	Messages() <-chan models.Message
}

// canonicalPhone strips everything but digits and requires at least six of them.
func canonicalPhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// inbox is the inbound channel shared by the service implementations. After close, emit
// drops messages instead of panicking on a closed channel.
type inbox struct {
	name   string
	ch     chan models.Message
	closed bool
}

func newInbox(name string) *inbox {
	return &inbox{
		name: name,
		ch:   make(chan models.Message, DefaultChannelBufferSize),
	}
}

// emit forwards msg, giving up after DefaultChannelTimeout. Callers hold the owning
// service's read lock so emit never races with close.
func (b *inbox) emit(msg models.Message) bool {
	if b.closed {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case b.ch <- msg:
		slog.Debug(b.name+" inbound message forwarded", "from", msg.From, "id", msg.ID, "body_length", len(msg.Body))
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" messages channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close must be called with the owning service's write lock held.
func (b *inbox) close() {
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
