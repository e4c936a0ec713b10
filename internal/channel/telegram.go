package channel

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/stellarlinkco/mediaclaw/internal/config"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	cancel     context.CancelFunc
	botFactory BotFactory
}

func NewTelegramChannel(cfg config.TelegramConfig) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with a custom bot
// factory (for testing).
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[telegram] authorized as @%s", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("[telegram] polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		log.Printf("[telegram] rejected message from %s (%s)", senderID, msg.From.UserName)
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	inbound := Inbound{
		Channel:   telegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Text:      content,
		MessageID: strconv.Itoa(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if quoted := msg.ReplyToMessage; quoted != nil {
		inbound.QuotedMessageID = strconv.Itoa(quoted.MessageID)
		inbound.QuotedText = quoted.Text
		if inbound.QuotedText == "" {
			inbound.QuotedText = quoted.Caption
		}
	}
	t.dispatch(inbound)
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	log.Printf("[telegram] stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) chatAndReply(chatID, quotedMessageID string) (int64, int, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	replyTo := 0
	if quotedMessageID != "" {
		if parsed, err := strconv.Atoi(quotedMessageID); err == nil {
			replyTo = parsed
		}
	}
	return id, replyTo, nil
}

func (t *TelegramChannel) SendText(_ context.Context, chatID, text, quotedMessageID string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	id, replyTo, err := t.chatAndReply(chatID, quotedMessageID)
	if err != nil {
		return err
	}

	content := toTelegramHTML(text)

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			// Try to split at last newline before maxLen
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(id, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		tgMsg.ReplyToMessageID = replyTo
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = text
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
			return nil
		}
	}
	return nil
}

func (t *TelegramChannel) SendFileByURL(_ context.Context, chatID, fileURL, filename, caption, quotedMessageID string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	id, replyTo, err := t.chatAndReply(chatID, quotedMessageID)
	if err != nil {
		return err
	}

	file := tgbotapi.FileURL(fileURL)
	var msg tgbotapi.Chattable
	switch mediaKind(filename) {
	case "image":
		m := tgbotapi.NewPhoto(id, file)
		m.Caption = caption
		m.ReplyToMessageID = replyTo
		msg = m
	case "video":
		m := tgbotapi.NewVideo(id, file)
		m.Caption = caption
		m.ReplyToMessageID = replyTo
		msg = m
	case "audio":
		m := tgbotapi.NewAudio(id, file)
		m.Caption = caption
		m.ReplyToMessageID = replyTo
		msg = m
	default:
		m := tgbotapi.NewDocument(id, file)
		m.Caption = caption
		m.ReplyToMessageID = replyTo
		msg = m
	}

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram file: %w", err)
	}
	return nil
}

func (t *TelegramChannel) SendLocation(_ context.Context, chatID string, latitude, longitude float64, info, quotedMessageID string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	id, replyTo, err := t.chatAndReply(chatID, quotedMessageID)
	if err != nil {
		return err
	}

	var msg tgbotapi.Chattable
	if info != "" {
		m := tgbotapi.NewVenue(id, info, "", latitude, longitude)
		m.ReplyToMessageID = replyTo
		msg = m
	} else {
		m := tgbotapi.NewLocation(id, latitude, longitude)
		m.ReplyToMessageID = replyTo
		msg = m
	}

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram location: %w", err)
	}
	return nil
}

func (t *TelegramChannel) SendPoll(_ context.Context, chatID, question string, options []string, multipleAnswers bool, quotedMessageID string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	id, replyTo, err := t.chatAndReply(chatID, quotedMessageID)
	if err != nil {
		return err
	}

	poll := tgbotapi.NewPoll(id, question, options...)
	poll.AllowsMultipleAnswers = multipleAnswers
	poll.ReplyToMessageID = replyTo
	if _, err := t.bot.Send(poll); err != nil {
		return fmt.Errorf("send telegram poll: %w", err)
	}
	return nil
}

// mediaKind guesses the asset kind from the filename extension.
func mediaKind(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp4", ".mov", ".webm":
		return "video"
	case ".mp3", ".ogg", ".m4a", ".wav":
		return "audio"
	default:
		return "document"
	}
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	// Escape HTML entities first
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// Code blocks: ```...``` -> <pre>...</pre>
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	// Inline code: `...` -> <code>...</code>
	for {
		start := strings.Index(s, "`")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "`")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<code>" + s[start+1:end] + "</code>" + s[end+1:]
	}

	// Bold: **...** -> <b>...</b>
	for {
		start := strings.Index(s, "**")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+2:], "**")
		if end == -1 {
			break
		}
		end += start + 2
		s = s[:start] + "<b>" + s[start+2:end] + "</b>" + s[end+2:]
	}

	// Italic: *...* -> <i>...</i> (after bold to avoid conflicts)
	for {
		start := strings.Index(s, "*")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "*")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<i>" + s[start+1:end] + "</i>" + s[end+1:]
	}

	return s
}
