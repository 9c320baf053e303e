package jobs

import "context"

// Message is the payload posted to Discord.
type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Embed is a Discord rich embed.
type Embed struct {
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	URL         string      `json:"url,omitempty"`
	Color       int         `json:"color,omitempty"`
	Image       *EmbedMedia `json:"image,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`
}

// EmbedMedia is an embed image reference.
type EmbedMedia struct {
	URL string `json:"url"`
}

// SentMessage identifies a delivered message.
type SentMessage struct {
	ID        string
	ChannelID string
}

// Delivery posts messages. Any returned error is a failed delivery; callers
// apply their own retry policy and do not inspect the cause.
// Implementations live in infra/discord/.
type Delivery interface {
	SendChannelMessage(ctx context.Context, channelID string, msg Message) (*SentMessage, error)
	SendDirectMessage(ctx context.Context, userID string, msg Message) (*SentMessage, error)
}

// MessageKind selects the built-in message template.
type MessageKind string

const (
	KindBirthday  MessageKind = "birthday"
	KindReminder  MessageKind = "reminder"
	KindPatchNote MessageKind = "patch_note"
	KindTwitch    MessageKind = "twitch_live"
	KindYouTube   MessageKind = "youtube_upload"
	KindTikTok    MessageKind = "tiktok_live"
)

// Renderer renders message content. A non-empty custom template overrides
// the built-in one for the kind.
// Implementations live in infra/template/.
type Renderer interface {
	Render(kind MessageKind, custom string, data map[string]any) (string, error)
}
