package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/example/remindme/internal/ai"
	"github.com/example/remindme/internal/database"
	"github.com/example/remindme/internal/dispatch"
	"github.com/example/remindme/pkg/models"
)

const helpText = `Remind Me! ⏰ — daily reminders with a touch of poetry ✨

/subscribe <name> <HH:MM> — get reminders in this chat
/register <name> <+phone> <HH:MM> — register a WhatsApp number
/mytime <HH:MM> — change your reminder time
/pause — pause your reminders
/resume — resume your reminders

Admin commands:
/users — list registered users
/setactive <user_id> on|off — pause or resume a user
/service [start|stop] — reminder service status and control
/tick — run one dispatch cycle now
/status <user_id> [YYYY-MM-DD] — dispatch record for a day`

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start", "help":
		b.reply(msg.Chat.ID, helpText)
	case "subscribe":
		b.handleSubscribe(ctx, msg)
	case "register":
		b.handleRegister(ctx, msg)
	case "mytime":
		b.handleMyTime(ctx, msg)
	case "pause":
		b.handleSetSelfActive(ctx, msg, false)
	case "resume":
		b.handleSetSelfActive(ctx, msg, true)
	case "users":
		b.handleUsers(ctx, msg)
	case "setactive":
		b.handleSetActive(ctx, msg)
	case "service":
		b.handleService(ctx, msg)
	case "tick":
		b.handleTick(ctx, msg)
	case "status":
		b.handleStatus(ctx, msg)
	default:
		b.reply(msg.Chat.ID, "Unknown command. Try /help.")
	}
}

// handleSubscribe registers the sending chat as a telegram recipient.
func (b *Bot) handleSubscribe(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 2 {
		b.reply(msg.Chat.ID, "Usage: /subscribe <name> <HH:MM>")
		return
	}
	name := strings.Join(args[:len(args)-1], " ")
	hour, minute, err := models.ParseClock(args[len(args)-1])
	if err != nil {
		b.reply(msg.Chat.ID, err.Error())
		return
	}

	user := &models.User{
		Name:            name,
		ContactAddress:  chatAddress(msg.Chat.ID),
		Channel:         models.ChannelTelegram,
		PreferredHour:   hour,
		PreferredMinute: minute,
		Active:          true,
	}
	b.createAndWelcome(ctx, msg.Chat.ID, user)
}

// handleRegister registers a WhatsApp number on someone's behalf.
func (b *Bot) handleRegister(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 3 {
		b.reply(msg.Chat.ID, "Usage: /register <name> <+phone> <HH:MM>")
		return
	}
	name := strings.Join(args[:len(args)-2], " ")
	phone := args[len(args)-2]
	hour, minute, err := models.ParseClock(args[len(args)-1])
	if err != nil {
		b.reply(msg.Chat.ID, err.Error())
		return
	}
	if !strings.HasPrefix(phone, "+") {
		b.reply(msg.Chat.ID, "Phone number must be in international format, e.g. +1234567890")
		return
	}

	user := &models.User{
		Name:            name,
		ContactAddress:  phone,
		Channel:         models.ChannelWhatsApp,
		PreferredHour:   hour,
		PreferredMinute: minute,
		Active:          true,
	}
	b.createAndWelcome(ctx, msg.Chat.ID, user)
}

func (b *Bot) createAndWelcome(ctx context.Context, chatID int64, user *models.User) {
	if err := b.users.Create(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicateContact) {
			b.reply(chatID, "This contact is already registered!")
			return
		}
		b.log.Error("failed to register user", zap.Error(err))
		b.reply(chatID, "Registration failed, please try again.")
		return
	}

	b.reply(chatID, fmt.Sprintf("Welcome to Remind Me! 🎉 Daily reminders at %s.", user.PreferredTime()))

	// Welcome delivery failure does not undo the registration.
	if err := b.deliverer.Deliver(ctx, user.Channel, user.ContactAddress, ai.ComposeWelcome(*user)); err != nil {
		b.log.Warn("failed to send welcome message",
			zap.Int64("user_id", user.ID), zap.Error(err))
		b.reply(chatID, "Could not send the welcome message yet, but the registration went through.")
	}
}

func (b *Bot) handleMyTime(ctx context.Context, msg *tgbotapi.Message) {
	user, err := b.senderUser(ctx, msg)
	if err != nil {
		b.reply(msg.Chat.ID, "You are not registered yet. Use /subscribe first.")
		return
	}
	hour, minute, err := models.ParseClock(strings.TrimSpace(msg.CommandArguments()))
	if err != nil {
		b.reply(msg.Chat.ID, "Usage: /mytime <HH:MM>")
		return
	}
	if err := b.users.UpdatePreferredTime(ctx, user.ID, hour, minute); err != nil {
		b.log.Error("failed to update preferred time", zap.Int64("user_id", user.ID), zap.Error(err))
		b.reply(msg.Chat.ID, "Could not update your reminder time, please try again.")
		return
	}
	b.reply(msg.Chat.ID, fmt.Sprintf("Your daily reminder now arrives at %02d:%02d. ✨", hour, minute))
}

func (b *Bot) handleSetSelfActive(ctx context.Context, msg *tgbotapi.Message, active bool) {
	user, err := b.senderUser(ctx, msg)
	if err != nil {
		b.reply(msg.Chat.ID, "You are not registered yet. Use /subscribe first.")
		return
	}
	if err := b.users.SetActive(ctx, user.ID, active); err != nil {
		b.log.Error("failed to toggle user", zap.Int64("user_id", user.ID), zap.Error(err))
		b.reply(msg.Chat.ID, "Could not update your reminders, please try again.")
		return
	}
	if active {
		b.reply(msg.Chat.ID, "🔔 Reminders resumed!")
	} else {
		b.reply(msg.Chat.ID, "🔕 Reminders paused.")
	}
}

func (b *Bot) handleUsers(ctx context.Context, msg *tgbotapi.Message) {
	if !b.isAdmin(ctx, msg) {
		b.reply(msg.Chat.ID, "This command is for admins only.")
		return
	}
	users, err := b.users.GetAll(ctx)
	if err != nil {
		b.log.Error("failed to list users", zap.Error(err))
		b.reply(msg.Chat.ID, "Could not load the user list.")
		return
	}
	if len(users) == 0 {
		b.reply(msg.Chat.ID, "No members yet! Be the first to join! 🎉")
		return
	}

	var sb strings.Builder
	sb.WriteString("Community members:\n")
	for _, u := range users {
		state := "🔔"
		if !u.Active {
			state = "🔕"
		}
		fmt.Fprintf(&sb, "%s #%d %s (%s, %s) at %s\n",
			state, u.ID, u.Name, u.ContactAddress, u.Channel, u.PreferredTime())
	}
	b.reply(msg.Chat.ID, sb.String())
}

func (b *Bot) handleSetActive(ctx context.Context, msg *tgbotapi.Message) {
	if !b.isAdmin(ctx, msg) {
		b.reply(msg.Chat.ID, "This command is for admins only.")
		return
	}
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
		b.reply(msg.Chat.ID, "Usage: /setactive <user_id> on|off")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(msg.Chat.ID, "Invalid user ID.")
		return
	}
	if err := b.users.SetActive(ctx, id, args[1] == "on"); err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			b.reply(msg.Chat.ID, "No such user.")
			return
		}
		b.log.Error("failed to toggle user", zap.Int64("user_id", id), zap.Error(err))
		b.reply(msg.Chat.ID, "Could not update the user.")
		return
	}
	b.reply(msg.Chat.ID, "Done.")
}

func (b *Bot) handleService(ctx context.Context, msg *tgbotapi.Message) {
	if !b.isAdmin(ctx, msg) {
		b.reply(msg.Chat.ID, "This command is for admins only.")
		return
	}
	switch strings.TrimSpace(msg.CommandArguments()) {
	case "":
		if b.control.IsRunning() {
			b.reply(msg.Chat.ID, "Current status: 🟢 Active")
		} else {
			b.reply(msg.Chat.ID, "Current status: 🔴 Inactive")
		}
	case "start":
		if err := b.control.Start(ctx); err != nil {
			b.log.Error("failed to start scheduler", zap.Error(err))
			b.reply(msg.Chat.ID, "Could not start the reminder service: "+err.Error())
			return
		}
		b.reply(msg.Chat.ID, "▶️ Reminder service started.")
	case "stop":
		b.control.Stop()
		b.reply(msg.Chat.ID, "🛑 Reminder service stopped.")
	default:
		b.reply(msg.Chat.ID, "Usage: /service [start|stop]")
	}
}

func (b *Bot) handleTick(ctx context.Context, msg *tgbotapi.Message) {
	if !b.isAdmin(ctx, msg) {
		b.reply(msg.Chat.ID, "This command is for admins only.")
		return
	}
	if err := b.control.RunManualTick(ctx); err != nil {
		b.log.Error("manual tick failed", zap.Error(err))
		b.reply(msg.Chat.ID, "Tick failed: "+err.Error())
		return
	}
	b.reply(msg.Chat.ID, "Tick completed.")
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	if !b.isAdmin(ctx, msg) {
		b.reply(msg.Chat.ID, "This command is for admins only.")
		return
	}
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 1 {
		b.reply(msg.Chat.ID, "Usage: /status <user_id> [YYYY-MM-DD]")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.reply(msg.Chat.ID, "Invalid user ID.")
		return
	}
	day := dispatch.DayKey(time.Now().In(b.loc))
	if len(args) > 1 {
		if _, err := time.Parse("2006-01-02", args[1]); err != nil {
			b.reply(msg.Chat.ID, "Invalid date, expected YYYY-MM-DD.")
			return
		}
		day = args[1]
	}

	rec, err := b.records.GetForDay(ctx, id, day)
	if errors.Is(err, database.ErrRecordNotFound) {
		b.reply(msg.Chat.ID, fmt.Sprintf("No dispatch record for user %d on %s.", id, day))
		return
	}
	if err != nil {
		b.log.Error("failed to load dispatch record", zap.Int64("user_id", id), zap.Error(err))
		b.reply(msg.Chat.ID, "Could not load the dispatch record.")
		return
	}

	text := fmt.Sprintf("Slot %s: %s, %d attempt(s)", rec.SlotKey, rec.Status, rec.AttemptCount)
	if rec.LastAttemptAt.Valid {
		text += fmt.Sprintf(", last at %s", rec.LastAttemptAt.Time.In(b.loc).Format("15:04:05"))
	}
	if rec.LastError != "" {
		text += "\nLast error: " + rec.LastError
	}
	b.reply(msg.Chat.ID, text)
}

// chatAddress is the contact address format for telegram users.
func chatAddress(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
