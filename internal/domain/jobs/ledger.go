package jobs

import (
	"context"
	"time"
)

// Ledger providers.
const (
	ProviderBirthday   = "birthday"
	ProviderReminder   = "reminder"
	ProviderPatchNotes = "patchnotes"
	ProviderTwitch     = "twitch"
	ProviderYouTube    = "youtube"
	ProviderTikTok     = "tiktok"
)

// LedgerEntry records that a logical event has been (or is being) announced.
type LedgerEntry struct {
	Provider  string    `json:"provider"`
	EventID   string    `json:"event_id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id,omitempty"`
	Forced    bool      `json:"forced"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageMeta is the post-send enrichment of a ledger entry.
type MessageMeta struct {
	GuildID   string
	ChannelID string
	MessageID string
	Forced    bool
}

// Ledger is the ground truth of which logical events produced a notification.
// Entries are unique per (provider, eventID) and are never deleted.
// Implementations live in infra/ledger/.
type Ledger interface {
	// RecordIfNew creates the entry only if no entry exists for its
	// (provider, eventID). It reports whether this call created it. It must be
	// a single conditional insert, safe under concurrent callers.
	RecordIfNew(ctx context.Context, entry LedgerEntry) (bool, error)

	// Has reports whether an entry exists.
	Has(ctx context.Context, provider, eventID string) (bool, error)

	// SetMessageMeta stores the delivered message on the entry, creating the
	// entry when none exists (forced sends).
	SetMessageMeta(ctx context.Context, provider, eventID string, meta MessageMeta) error

	// GetOne returns the entry, or nil, nil if absent.
	GetOne(ctx context.Context, provider, eventID string) (*LedgerEntry, error)
}
