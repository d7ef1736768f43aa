package messaging

import (
	"context"
	"strings"
	"sync"

	"github.com/BTreeMap/CourtPipe/internal/models"
)

// SentMessage is an outbound message recorded by MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService is an in-memory Service for tests and the "none" transport. Sends are
// recorded; Inject feeds inbound messages.
type MockService struct {
	mu    sync.Mutex
	sent  []SentMessage
	inbox *inbox
	// failFor makes SendMessage fail for the listed recipients.
	failFor map[string]error
}

var _ Service = (*MockService)(nil)

func NewMockService() *MockService {
	return &MockService{inbox: newInbox("MockService"), failFor: map[string]error{}}
}

// ValidateAndCanonicalizeRecipient trims whitespace.
func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return strings.TrimSpace(recipient), nil
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inbox.closed {
		return ErrServiceStopped
	}
	if err, ok := m.failFor[to]; ok {
		return err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox.close()
	return nil
}

func (m *MockService) Messages() <-chan models.Message {
	return m.inbox.ch
}

// Inject delivers msg as if it arrived from the transport.
func (m *MockService) Inject(msg models.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbox.emit(msg)
}

// FailSendsTo makes every send to recipient return err; a nil err clears it.
func (m *MockService) FailSendsTo(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failFor, recipient)
		return
	}
	m.failFor[recipient] = err
}

// Sent returns a copy of the recorded messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the bodies sent to recipient in order.
func (m *MockService) SentTo(recipient string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.To == recipient {
			out = append(out, s.Body)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
