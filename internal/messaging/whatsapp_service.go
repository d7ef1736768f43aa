package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/BTreeMap/CourtPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over the Whatsmeow client.
type WhatsAppService struct {
	client    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client // set when client is the real Whatsmeow wrapper
	inbox     *inbox
	mu        sync.RWMutex
	handlerID uint32
	handling  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		inbox:  newInbox("WhatsAppService"),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number to digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("WhatsAppService", recipient)
}

// Start registers the inbound event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handling || s.inbox.closed {
		return nil
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	s.handling = true
	slog.Info("WhatsAppService event handler registered")
	return nil
}

// Stop removes the event handler, disconnects and closes the Messages channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox.closed {
		return nil
	}
	if s.handling {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.Disconnect()
		s.handling = false
	}
	s.inbox.close()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends body to the canonical form of to.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.inbox.closed
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", canonicalTo, "body_length", len(body))
	return nil
}

// Messages returns the channel of inbound customer messages.
func (s *WhatsAppService) Messages() <-chan models.Message {
	return s.inbox.ch
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if msg, ok := inboundFromWhatsApp(v); ok {
			s.mu.RLock()
			s.inbox.emit(msg)
			s.mu.RUnlock()
		}
	case *events.Receipt:
		slog.Debug("WhatsAppService receipt", "from", v.MessageSource.Sender.User, "type", v.Type)
	default:
		slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
	}
}

// inboundFromWhatsApp extracts a direct text message. Group chats, our own messages and
// non-text content are skipped.
func inboundFromWhatsApp(evt *events.Message) (models.Message, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Message{}, false
	}

	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(text) == "" {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		return models.Message{}, false
	}

	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}
	return models.Message{
		ID:   string(evt.Info.ID),
		From: from,
		Body: text,
		Time: evt.Info.Timestamp.Unix(),
	}, true
}

// getEventType returns a short name of a Whatsmeow event for logging.
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Message:
		return "Message"
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
