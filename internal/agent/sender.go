package agent

import (
	"context"
	"log"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// Delivery is one assembled set of outbound sends for a run or step.
type Delivery struct {
	ChatID          string
	QuotedMessageID string

	Text string

	ImageURL     string
	ImageCaption string
	VideoURL     string
	VideoCaption string
	AudioURL     string
	Poll         *PollPayload

	Latitude     *float64
	Longitude    *float64
	LocationInfo string

	ToolsUsed []string
}

// FromRunResult maps a finished run onto a Delivery.
func FromRunResult(chatID string, res *RunResult, input IncomingMessage) Delivery {
	d := Delivery{
		ChatID:          chatID,
		QuotedMessageID: input.MessageID,
		Text:            res.Text,
		ImageURL:        res.ImageURL,
		ImageCaption:    res.ImageCaption,
		VideoURL:        res.VideoURL,
		VideoCaption:    res.VideoCaption,
		AudioURL:        res.AudioURL,
		Latitude:        res.Latitude,
		Longitude:       res.Longitude,
		LocationInfo:    res.LocationInfo,
		ToolsUsed:       res.ToolsUsed,
	}
	if res.Poll != nil {
		d.Poll = &PollPayload{Question: res.Poll.Question, Options: res.Poll.Options, Topic: res.Poll.Topic}
	}
	if !res.Success && res.Error != "" && d.Text == "" {
		d.Text = res.Error
	}
	return d
}

// Sender renders a Delivery to the channel in the fixed order
// location → poll → image → video → audio → text. Every send is independently
// best-effort: a failed send is logged and the rest still go out.
type Sender struct {
	Messenger Messenger
	// CleanCaption is the presentation-layer text cleaner applied to media
	// captions and final text. Nil means identity.
	CleanCaption func(string) string
	// IsPipelineIntermediate decides whether the remaining text is just an
	// intermediate data-tool result that a later asset-producing tool already
	// consumed. External heuristic; nil means never.
	IsPipelineIntermediate func(toolsUsed []string, text string) bool
	// URLTools names tools whose textual output legitimately is a set of
	// URLs (web search); raw URLs are stripped from text otherwise.
	URLTools map[string]bool
}

func (s *Sender) clean(text string) string {
	if s.CleanCaption == nil {
		return text
	}
	return s.CleanCaption(text)
}

// Deliver performs the sends. It never returns an error; the channel is
// best-effort territory by contract.
func (s *Sender) Deliver(ctx context.Context, d Delivery) {
	if s.Messenger == nil || d.ChatID == "" {
		return
	}

	locationInfoSent := false
	if d.Latitude != nil && d.Longitude != nil {
		if err := s.Messenger.SendLocation(ctx, d.ChatID, *d.Latitude, *d.Longitude, d.LocationInfo, d.QuotedMessageID); err != nil {
			log.Printf("[sender] location send failed: %v", err)
		}
		if d.LocationInfo != "" && !sameMessage(d.LocationInfo, d.Text) {
			if err := s.Messenger.SendText(ctx, d.ChatID, d.LocationInfo, d.QuotedMessageID); err != nil {
				log.Printf("[sender] location info send failed: %v", err)
			}
			locationInfoSent = true
		}
	}

	if d.Poll != nil {
		if err := s.Messenger.SendPoll(ctx, d.ChatID, d.Poll.Question, d.Poll.Options, d.Poll.MultipleAnswers, d.QuotedMessageID); err != nil {
			log.Printf("[sender] poll send failed: %v", err)
		}
	}

	var sentCaption string
	if d.ImageURL != "" {
		caption := s.clean(mediaCaption(d.ImageCaption, d.Text))
		if err := s.Messenger.SendFileByURL(ctx, d.ChatID, d.ImageURL, "image.jpg", caption, d.QuotedMessageID); err != nil {
			log.Printf("[sender] image send failed: %v", err)
		}
		sentCaption = caption
	}
	if d.VideoURL != "" {
		caption := s.clean(mediaCaption(d.VideoCaption, d.Text))
		if err := s.Messenger.SendFileByURL(ctx, d.ChatID, d.VideoURL, "video.mp4", caption, d.QuotedMessageID); err != nil {
			log.Printf("[sender] video send failed: %v", err)
		}
		if sentCaption == "" {
			sentCaption = caption
		}
	}
	if d.AudioURL != "" {
		if err := s.Messenger.SendFileByURL(ctx, d.ChatID, d.AudioURL, "audio.mp3", "", d.QuotedMessageID); err != nil {
			log.Printf("[sender] audio send failed: %v", err)
		}
	}

	text := s.clean(strings.TrimSpace(d.Text))
	if text == "" {
		return
	}
	if reason := s.suppressText(d, text, sentCaption, locationInfoSent); reason != "" {
		log.Printf("[sender] text suppressed (%s)", reason)
		return
	}
	if !s.allowsRawURLs(d.ToolsUsed) {
		text = strings.TrimSpace(urlPattern.ReplaceAllString(text, ""))
		if text == "" {
			return
		}
	}
	if err := s.Messenger.SendText(ctx, d.ChatID, text, d.QuotedMessageID); err != nil {
		log.Printf("[sender] text send failed: %v", err)
	}
}

// suppressText returns a non-empty reason when the remaining free text must
// not become its own message.
func (s *Sender) suppressText(d Delivery, text, sentCaption string, locationInfoSent bool) string {
	// Audio is itself the complete response.
	if d.AudioURL != "" {
		return "audio is the response"
	}
	if s.IsPipelineIntermediate != nil && s.IsPipelineIntermediate(d.ToolsUsed, text) {
		return "intermediate pipeline result"
	}
	if sentCaption != "" && redundantWithCaption(text, sentCaption) {
		return "restates media caption"
	}
	if locationInfoSent && redundantWithCaption(text, d.LocationInfo) {
		return "restates location info"
	}
	hasStructured := d.ImageURL != "" || d.VideoURL != "" || d.Poll != nil ||
		(d.Latitude != nil && d.Longitude != nil)
	if hasStructured && len([]rune(text)) < 10 {
		return "too short next to structured output"
	}
	return ""
}

func (s *Sender) allowsRawURLs(toolsUsed []string) bool {
	for _, name := range toolsUsed {
		if s.URLTools[name] {
			return true
		}
	}
	return false
}

// mediaCaption applies the delivery-time priority: explicit media caption,
// otherwise the run's free text.
func mediaCaption(explicit, freeText string) string {
	if explicit != "" {
		return explicit
	}
	return strings.TrimSpace(freeText)
}

var fillerPattern = regexp.MustCompile(`[\s\p{P}]+`)

func normalizeMessage(s string) string {
	return fillerPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

func sameMessage(a, b string) bool {
	return normalizeMessage(a) == normalizeMessage(b)
}

// redundantWithCaption reports whether text is identical to, a short subset
// of, or a near-duplicate-with-filler of an already-sent caption.
func redundantWithCaption(text, caption string) bool {
	nt, nc := normalizeMessage(text), normalizeMessage(caption)
	if nt == "" || nc == "" {
		return nt == nc && nt != ""
	}
	if nt == nc {
		return true
	}
	// Short subset: the whole text already appears inside the caption.
	if strings.Contains(nc, nt) {
		return true
	}
	// Near-duplicate with filler: caption plus a little connective padding.
	if strings.Contains(nt, nc) && len(nt)-len(nc) <= 40 {
		return true
	}
	return false
}
