package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/CourtPipe/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBot is the subset of *tgbotapi.BotAPI the admin transport uses.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	slog.Info("Telegram bot authorized", "username", bot.Self.UserName)
	return bot, nil
}

// TelegramService implements Service over a Telegram bot. Recipients are chat ids and
// outbound text is sent as Telegram Markdown.
type TelegramService struct {
	bot     TelegramBot
	inbox   *inbox
	mu      sync.RWMutex
	timeout int
	started bool
	done    chan struct{}
}

// NewTelegramService creates a TelegramService. pollTimeout is the long-poll timeout in seconds.
func NewTelegramService(bot TelegramBot, pollTimeout int) *TelegramService {
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	return &TelegramService{
		bot:     bot,
		inbox:   newInbox("TelegramService"),
		timeout: pollTimeout,
		done:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient parses a chat id. Group chat ids are negative.
func (s *TelegramService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil || id == 0 {
		return "", fmt.Errorf("invalid telegram chat id %q", recipient)
	}
	return strconv.FormatInt(id, 10), nil
}

// Start begins long polling for updates.
func (s *TelegramService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.inbox.closed {
		return nil
	}
	s.started = true

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = s.timeout
	updates := s.bot.GetUpdatesChan(cfg)
	go s.pump(ctx, updates)
	slog.Info("TelegramService polling for updates", "timeout", s.timeout)
	return nil
}

func (s *TelegramService) pump(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg, ok := inboundFromTelegram(update)
			if !ok {
				continue
			}
			s.mu.RLock()
			s.inbox.emit(msg)
			s.mu.RUnlock()
		}
	}
}

func inboundFromTelegram(update tgbotapi.Update) (models.Message, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || strings.TrimSpace(m.Text) == "" {
		return models.Message{}, false
	}
	return models.Message{
		ID:   strconv.Itoa(update.UpdateID),
		From: strconv.FormatInt(m.Chat.ID, 10),
		Body: m.Text,
		Time: m.Time().Unix(),
	}, true
}

// Stop stops polling and closes the Messages channel.
func (s *TelegramService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox.closed {
		return nil
	}
	if s.started {
		s.bot.StopReceivingUpdates()
	}
	close(s.done)
	s.inbox.close()
	slog.Info("TelegramService stopped")
	return nil
}

// SendMessage sends Markdown text to the chat id to.
func (s *TelegramService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.inbox.closed
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	chat, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	chatID, _ := strconv.ParseInt(chat, 10, 64)

	msg := tgbotapi.NewMessage(chatID, body)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := s.bot.Send(msg); err != nil {
		slog.Error("TelegramService SendMessage error", "error", err, "chat", chatID)
		return fmt.Errorf("failed to send telegram message to %d: %w", chatID, err)
	}
	slog.Debug("TelegramService message sent", "chat", chatID, "body_length", len(body))
	return nil
}

// Messages returns the channel of inbound staff commands.
func (s *TelegramService) Messages() <-chan models.Message {
	return s.inbox.ch
}
