// Package notify pushes pending approval requests to a human over Telegram
// and feeds their decision back to the permission coordinator.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sandbridge/internal/permission"
	"github.com/user/sandbridge/internal/types"
)

const maxTelegramMessage = 4096

// Telegram sends approval prompts with inline approve/deny buttons to a
// single configured chat and resolves requests from the button callbacks.
type Telegram struct {
	bot         *tgbotapi.BotAPI
	coordinator *permission.Coordinator
	chatID      int64
}

// NewTelegram creates the notifier. chatID is the chat that receives
// approval prompts; decisions from any other chat are ignored.
func NewTelegram(token string, chatID int64, coordinator *permission.Coordinator) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{
		bot:         bot,
		coordinator: coordinator,
		chatID:      chatID,
	}, nil
}

// NotifyRequest sends the approval prompt. Runs on its own goroutine so the
// coordinator's request path never waits on the Telegram API.
func (t *Telegram) NotifyRequest(request *types.PermissionRequest) {
	go t.sendPrompt(request)
}

func (t *Telegram) sendPrompt(request *types.PermissionRequest) {
	text := fmt.Sprintf("Approval needed\nSession: %s\nTool: %s\nDeadline: %s",
		request.SessionID, request.ToolName, request.Deadline.Format("15:04:05 MST"))
	if len(request.ToolInput) > 0 {
		text += "\nInput:\n" + truncate(formatInput(request.ToolInput), 1000)
	}

	msg := tgbotapi.NewMessage(t.chatID, truncate(text, maxTelegramMessage))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "approve:"+string(request.ID)),
			tgbotapi.NewInlineKeyboardButtonData("Deny", "deny:"+string(request.ID)),
		),
	)
	if _, err := t.bot.Send(msg); err != nil {
		slog.Warn("telegram approval prompt failed",
			"request_id", string(request.ID), "error", err)
	}
}

// Start long-polls Telegram updates until ctx ends, resolving requests from
// button callbacks.
func (t *Telegram) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.CallbackQuery == nil {
				continue
			}
			t.handleCallback(update.CallbackQuery)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

func (t *Telegram) handleCallback(cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != t.chatID {
		return
	}

	action, id, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	requestID := types.RequestID(id)

	err := t.coordinator.Resolve(requestID, types.Decision{Approved: action == "approve"})
	reply := "Approved"
	if action != "approve" {
		reply = "Denied"
	}
	switch {
	case errors.Is(err, permission.ErrAlreadyResolved):
		reply = "Already resolved"
	case errors.Is(err, permission.ErrUnknownRequest):
		reply = "Request expired or unknown"
	case err != nil:
		slog.Warn("telegram resolve failed", "request_id", id, "error", err)
		reply = "Error"
	}

	if _, err := t.bot.Request(tgbotapi.NewCallback(cb.ID, reply)); err != nil {
		slog.Warn("telegram callback ack failed", "error", err)
	}

	edit := tgbotapi.NewEditMessageText(t.chatID, cb.Message.MessageID,
		cb.Message.Text+"\n\n"+reply)
	if _, err := t.bot.Send(edit); err != nil {
		slog.Debug("telegram message edit failed", "error", err)
	}
}

func formatInput(input json.RawMessage) string {
	var pretty map[string]any
	if err := json.Unmarshal(input, &pretty); err != nil {
		return string(input)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return string(input)
	}
	return string(out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
