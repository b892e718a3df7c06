// Package bot is the operator and registration surface: Telegram commands
// replace the registration form, user list and service-status controls of
// the original web UI.
package bot

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/example/remindme/internal/database"
	"github.com/example/remindme/pkg/models"
)

// SchedulerControl is the dispatch lifecycle the bot exposes to admins.
type SchedulerControl interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
	RunManualTick(ctx context.Context) error
}

// Deliverer sends one-off messages (welcome notes) outside the scheduler.
type Deliverer interface {
	Deliver(ctx context.Context, channel models.Channel, address, text string) error
}

// Bot represents the Telegram bot application
type Bot struct {
	api          *tgbotapi.BotAPI
	users        *database.UserRepository
	records      *database.DispatchRepository
	control      SchedulerControl
	deliverer    Deliverer
	log          *zap.Logger
	loc          *time.Location
	adminChatIDs map[int64]bool
}

// New creates a new bot instance
func New(api *tgbotapi.BotAPI, users *database.UserRepository, records *database.DispatchRepository,
	control SchedulerControl, deliverer Deliverer, loc *time.Location, adminChatIDs []int64, log *zap.Logger) *Bot {

	admins := make(map[int64]bool, len(adminChatIDs))
	for _, id := range adminChatIDs {
		admins[id] = true
	}
	if loc == nil {
		loc = time.Local
	}

	return &Bot{
		api:          api,
		users:        users,
		records:      records,
		control:      control,
		deliverer:    deliverer,
		log:          log,
		loc:          loc,
		adminChatIDs: admins,
	}
}

// Start runs the update loop until ctx is canceled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.log.Info("bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// reply sends a plain text response to a chat.
func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("failed to send reply", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// isAdmin checks the configured admin list and the sender's user record.
func (b *Bot) isAdmin(ctx context.Context, msg *tgbotapi.Message) bool {
	if b.adminChatIDs[msg.Chat.ID] {
		return true
	}
	user, err := b.senderUser(ctx, msg)
	if err != nil {
		return false
	}
	return user.IsAdmin
}

// senderUser resolves the sending chat to a registered telegram user.
func (b *Bot) senderUser(ctx context.Context, msg *tgbotapi.Message) (*models.User, error) {
	return b.users.GetByContact(ctx, chatAddress(msg.Chat.ID))
}
