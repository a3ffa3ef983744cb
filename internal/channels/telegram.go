package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/basket/go-seldon/internal/bus"
	"github.com/basket/go-seldon/internal/persistence"
)

// TelegramChannel bridges Telegram to the coordination plane. Inbound
// messages from allowed users are stored for routing; outbound it acts
// as the Notifier for workflow and patrol updates.
type TelegramChannel struct {
	token      string
	chatID     int64
	allowedIDs map[int64]struct{}
	store      *persistence.Store
	logger     *slog.Logger
	eventBus   *bus.Bus

	botMu sync.Mutex
	bot   *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, chatID int64, allowedIDs []int64, store *persistence.Store, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		chatID:     chatID,
		allowedIDs: allowed,
		store:      store,
		logger:     logger,
		eventBus:   eventBus,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.botMu.Lock()
	t.bot = bot
	t.botMu.Unlock()

	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("updates channel closed")
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			if !t.allowed(update.Message.From) {
				t.logger.Warn("telegram message from unauthorized user",
					"user_id", update.Message.From.ID)
				continue
			}
			sender := "tg:" + strconv.FormatInt(update.Message.From.ID, 10)
			id, err := t.store.InsertMessage(ctx, "", sender, update.Message.Text)
			if err != nil {
				t.logger.Error("store inbound telegram message", "error", err)
				continue
			}
			t.logger.Info("telegram message queued for routing",
				"message_id", id, "sender", sender)
		}
	}
}

func (t *TelegramChannel) allowed(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[from.ID]
	return ok
}

func (t *TelegramChannel) send(text string) error {
	t.botMu.Lock()
	bot := t.bot
	t.botMu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	_, err := bot.Send(msg)
	return err
}

// CreateThread opens a logical thread. Telegram has no native threading
// here, so the thread is announced in the chat and tracked by id prefix.
func (t *TelegramChannel) CreateThread(_ context.Context, title string) (string, error) {
	id := uuid.NewString()
	if err := t.send(fmt.Sprintf("[%s] %s", shortID(id), title)); err != nil {
		return "", err
	}
	return id, nil
}

func (t *TelegramChannel) Post(_ context.Context, threadID, text string) error {
	if threadID != "" {
		text = fmt.Sprintf("[%s] %s", shortID(threadID), text)
	}
	return t.send(text)
}

func (t *TelegramChannel) ArchiveThread(_ context.Context, threadID string) error {
	return t.send(fmt.Sprintf("[%s] thread archived", shortID(threadID)))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
