package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedrelay/internal/filter"
	"feedrelay/internal/storage"
)

// Keyboard button labels. The Cancel button is handled everywhere,
// like the /cancel command.
const (
	btnYes        = "Yes"
	btnNo         = "No"
	btnCancel     = "Cancel"
	btnKeepName   = "Keep name"
	btnChangeName = "Change name"
	btnNoFilters  = "No filters"
)

type step int

const (
	stepAddURL step = iota + 1
	stepAddConfirm
	stepAddName
	stepAddCustomName
	stepAddKeywords
	stepRemovePick
	stepRemoveConfirm
	stepStopConfirm
)

// session is the per-chat wizard state. Sessions live in memory only;
// an abandoned wizard simply times out with the process.
type session struct {
	step step
	kind string

	url          string
	feedTitle    string
	displayTitle string

	removeSubID int64
	removeTitle string
}

func (b *Bot) getSession(chatID int64) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[chatID]
}

func (b *Bot) setSession(chatID int64, s *session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[chatID] = s
}

func (b *Bot) clearSession(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, chatID)
}

// rejectIfBusy reports whether the chat already has an active wizard
// and sends the appropriate hint if so.
func (b *Bot) rejectIfBusy(chatID int64, kind string) bool {
	sess := b.getSession(chatID)
	if sess == nil {
		return false
	}
	if sess.kind == kind {
		b.reply(chatID, fmt.Sprintf("You are already in a %s process. Use /cancel to abort it first.", kind))
	} else {
		b.reply(chatID, "You are still in another process. Use /cancel to abort it first.")
	}
	return true
}

func yesNoCancelKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnYes),
			tgbotapi.NewKeyboardButton(btnNo),
		),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)),
	)
	kb.OneTimeKeyboard = true
	return kb
}

func (b *Bot) handleAddFeed(chatID int64) {
	if b.rejectIfBusy(chatID, "addfeed") {
		return
	}
	b.setSession(chatID, &session{step: stepAddURL, kind: "addfeed"})
	b.reply(chatID, "Alright. Send me the URL of the feed.")
}

func (b *Bot) handleRemFeed(ctx context.Context, chatID int64) {
	if b.rejectIfBusy(chatID, "remfeed") {
		return
	}

	subs, err := b.registry.ListSubscriptions(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(subs) == 0 {
		b.reply(chatID, "You have not subscribed to any feeds yet.")
		return
	}

	rows := make([][]tgbotapi.KeyboardButton, 0, len(subs)+1)
	for _, sub := range subs {
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(sub.Title)))
	}
	rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)))
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.OneTimeKeyboard = true

	b.setSession(chatID, &session{step: stepRemovePick, kind: "remfeed"})
	b.replyWithKeyboard(chatID, "Pick the feed you want to remove...", kb)
}

func (b *Bot) handleFeeds(ctx context.Context, chatID int64) {
	if sess := b.getSession(chatID); sess != nil {
		b.reply(chatID, "You are still in another process. Use /cancel to abort it first.")
		return
	}

	subs, err := b.registry.ListSubscriptions(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSubscriptionList(subs))
}

func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	if b.rejectIfBusy(chatID, "stop") {
		return
	}

	subs, err := b.registry.ListSubscriptions(ctx, chatID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(subs) == 0 {
		b.reply(chatID, "You have not subscribed to any feeds yet.")
		return
	}

	b.setSession(chatID, &session{step: stepStopConfirm, kind: "stop"})
	b.replyWithKeyboard(chatID,
		fmt.Sprintf("You are about to remove %d feed(s). Do you want to continue?", len(subs)),
		yesNoCancelKeyboard())
}

func (b *Bot) handleCancel(chatID int64) {
	if b.getSession(chatID) != nil {
		b.clearSession(chatID)
		b.replyPlain(chatID, "The current process was cancelled.")
		return
	}
	b.reply(chatID, "There is nothing to cancel.")
}

// handleText advances the chat's wizard with free-form input. Text
// outside a wizard is ignored.
func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	if text == btnCancel {
		b.handleCancel(chatID)
		return
	}

	sess := b.getSession(chatID)
	if sess == nil {
		return
	}

	switch sess.step {
	case stepAddURL:
		b.stepAddURL(ctx, chatID, sess, text)
	case stepAddConfirm:
		b.stepAddConfirm(chatID, sess, text)
	case stepAddName:
		b.stepAddName(chatID, sess, text)
	case stepAddCustomName:
		b.stepAddCustomName(chatID, sess, text)
	case stepAddKeywords:
		b.stepAddKeywords(ctx, chatID, sess, text)
	case stepRemovePick:
		b.stepRemovePick(ctx, chatID, sess, text)
	case stepRemoveConfirm:
		b.stepRemoveConfirm(ctx, chatID, sess, text)
	case stepStopConfirm:
		b.stepStopConfirm(ctx, chatID, text)
	}
}

func (b *Bot) stepAddURL(ctx context.Context, chatID int64, sess *session, text string) {
	subscribed, err := b.registry.IsSubscribed(ctx, chatID, text)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if subscribed {
		b.reply(chatID, "You are already subscribed to this feed. Send another URL or abort with /cancel.")
		return
	}

	b.reply(chatID, "I am checking the URL, one moment...")

	result, err := b.fetcher.Fetch(ctx, text)
	if err != nil {
		b.reply(chatID, "That does not look like a valid feed URL. Try again or abort with /cancel.")
		return
	}

	title := result.Title
	if title == "" {
		title = "Unknown title"
	}

	sess.url = text
	sess.feedTitle = result.Title
	sess.step = stepAddConfirm
	b.replyWithKeyboard(chatID,
		fmt.Sprintf("I found a feed called *%s* (%s).\n\nDo you want to add it?", title, result.Link),
		yesNoCancelKeyboard())
}

func (b *Bot) stepAddConfirm(chatID int64, sess *session, text string) {
	switch text {
	case btnYes:
		kb := tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(
				tgbotapi.NewKeyboardButton(btnKeepName),
				tgbotapi.NewKeyboardButton(btnChangeName),
			),
			tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)),
		)
		kb.OneTimeKeyboard = true
		sess.step = stepAddName
		b.replyWithKeyboard(chatID,
			fmt.Sprintf("Do you want to keep the name *%s* or change it?", sess.feedTitle),
			kb)
	case btnNo:
		sess.step = stepAddURL
		b.reply(chatID, "Okay. Send me another URL or abort with /cancel.")
	default:
		b.reply(chatID, `Invalid input. Allowed answers: "Yes", "No", "Cancel" and /cancel.`)
	}
}

func (b *Bot) stepAddName(chatID int64, sess *session, text string) {
	switch text {
	case btnKeepName:
		sess.displayTitle = sess.feedTitle
		b.promptKeywords(chatID, sess)
	case btnChangeName:
		sess.step = stepAddCustomName
		b.reply(chatID, fmt.Sprintf("Send me a new name for *%s*.", sess.feedTitle))
	default:
		b.reply(chatID, `Invalid input. Allowed answers: "Keep name", "Change name", "Cancel" and /cancel.`)
	}
}

func (b *Bot) stepAddCustomName(chatID int64, sess *session, text string) {
	if text == "" {
		b.reply(chatID, `Invalid input. Send me a name, or "Keep name" to keep the current one.`)
		return
	}
	if text != btnKeepName {
		sess.displayTitle = text
	} else {
		sess.displayTitle = sess.feedTitle
	}
	b.promptKeywords(chatID, sess)
}

func (b *Bot) promptKeywords(chatID int64, sess *session) {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnNoFilters)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(btnCancel)),
	)
	kb.OneTimeKeyboard = true
	sess.step = stepAddKeywords
	b.replyWithKeyboard(chatID,
		"Send me comma-separated keywords to only receive matching items, or choose No filters.",
		kb)
}

func (b *Bot) stepAddKeywords(ctx context.Context, chatID int64, sess *session, text string) {
	var keywords []string
	if text != btnNoFilters {
		keywords = filter.Normalize(strings.Split(text, ","))
		if len(keywords) == 0 {
			b.reply(chatID, "Send at least one keyword, or choose No filters.")
			return
		}
	}

	sub, err := b.registry.Subscribe(ctx, chatID, sess.url, sess.feedTitle, sess.displayTitle, keywords)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateSubscription) {
			b.replyPlain(chatID, "You are already subscribed to this feed.")
		} else {
			b.replyPlain(chatID, fmt.Sprintf("Failed to save the subscription: %v", err))
		}
		b.clearSession(chatID)
		return
	}

	b.clearSession(chatID)
	confirmation := fmt.Sprintf("I added *%s*. You will now be notified about new items automatically; sources are checked about once a minute.", sub.Title)
	if len(sub.Keywords) > 0 {
		confirmation += fmt.Sprintf("\nOnly items matching %s will be delivered.", strings.Join(sub.Keywords, ", "))
	}
	b.replyDone(chatID, confirmation)
}

func (b *Bot) stepRemovePick(ctx context.Context, chatID int64, sess *session, text string) {
	sub, err := b.registry.FindByTitle(ctx, chatID, text)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, "I do not know that feed. Pick one from the list or abort with /cancel.")
		} else {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
		}
		return
	}

	sess.removeSubID = sub.ID
	sess.removeTitle = sub.Title
	sess.step = stepRemoveConfirm
	b.replyWithKeyboard(chatID,
		fmt.Sprintf("Do you really want to remove *%s*?", sub.Title),
		yesNoCancelKeyboard())
}

func (b *Bot) stepRemoveConfirm(ctx context.Context, chatID int64, sess *session, text string) {
	switch text {
	case btnYes:
		if err := b.registry.Unsubscribe(ctx, chatID, sess.removeSubID); err != nil {
			b.replyPlain(chatID, fmt.Sprintf("Failed to remove the feed: %v", err))
			b.clearSession(chatID)
			return
		}
		b.clearSession(chatID)
		b.replyDone(chatID, fmt.Sprintf("I removed *%s*.", sess.removeTitle))
	case btnNo:
		b.clearSession(chatID)
		b.replyPlain(chatID, "Okay, I aborted the process.")
	default:
		b.reply(chatID, `Invalid input. Allowed answers: "Yes", "No", "Cancel" and /cancel.`)
	}
}

func (b *Bot) stepStopConfirm(ctx context.Context, chatID int64, text string) {
	switch text {
	case btnYes:
		removed, err := b.registry.UnsubscribeAll(ctx, chatID)
		if err != nil {
			b.replyPlain(chatID, fmt.Sprintf("Failed to remove all feeds: %v", err))
			b.clearSession(chatID)
			return
		}
		b.clearSession(chatID)
		b.replyDone(chatID, fmt.Sprintf("I removed all %d feed(s).", removed))
	case btnNo:
		b.clearSession(chatID)
		b.replyPlain(chatID, "Okay, I aborted the process.")
	default:
		b.reply(chatID, `Invalid input. Allowed answers: "Yes", "No", "Cancel" and /cancel.`)
	}
}

// replyDone sends a Markdown message and removes any wizard keyboard.
func (b *Bot) replyDone(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}
