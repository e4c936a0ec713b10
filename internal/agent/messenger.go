package agent

import (
	"context"
	"log"
)

// Messenger is the outbound messaging channel consumed by the core. All sends
// are best-effort from the core's perspective; failures are observed, logged
// and discarded, never allowed to fail the primary control flow.
type Messenger interface {
	SendText(ctx context.Context, chatID, text, quotedMessageID string) error
	SendFileByURL(ctx context.Context, chatID, url, filename, caption, quotedMessageID string) error
	SendLocation(ctx context.Context, chatID string, latitude, longitude float64, info, quotedMessageID string) error
	SendPoll(ctx context.Context, chatID, question string, options []string, multipleAnswers bool, quotedMessageID string) error
}

// notify sends text on the side channel without letting a send failure reach
// the caller.
func notify(ctx context.Context, m Messenger, chatID, text string) {
	if m == nil || chatID == "" || text == "" {
		return
	}
	if err := m.SendText(ctx, chatID, text, ""); err != nil {
		log.Printf("[notify] send to %s failed: %v", chatID, err)
	}
}
