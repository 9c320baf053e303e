package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"guildbell/internal/common"
	"guildbell/internal/domain/suppression"
)

// Outcome is what happened to one due candidate.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSuppressed
	OutcomeDuplicate
	OutcomeFailed
	// OutcomePending means another run holds a fresh claim on the event and
	// its send may still be in flight.
	OutcomePending
)

// claimGrace is how long a claim without a delivered message is assumed to
// belong to a send still in flight.
const claimGrace = 30 * time.Second

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomePending:
		return "pending"
	default:
		return "failed"
	}
}

// Announcement is one notification about to be delivered.
type Announcement struct {
	Provider string
	EventID  string
	GuildID  string

	// ChannelID receives the message. When empty the message is sent as a
	// direct message to UserID.
	ChannelID string
	UserID    string

	Message Message
	Policy  suppression.Policy
}

// Announcer runs the per-candidate pipeline shared by every job:
// suppression gate, ledger claim, delivery, ledger enrichment.
type Announcer struct {
	ledger   Ledger
	delivery Delivery
}

// NewAnnouncer creates an Announcer.
func NewAnnouncer(ledger Ledger, delivery Delivery) *Announcer {
	return &Announcer{ledger: ledger, delivery: delivery}
}

// Announce delivers a unless a gate holds it back. With force set the
// suppression gate and the ledger claim are skipped; the ledger still receives
// the sent message, flagged as forced.
//
// OutcomeFailed comes with a non-nil error: a *common.StoreError when the
// ledger claim failed (nothing was sent) or a *common.DeliveryError when the
// send failed after a successful claim.
func (a *Announcer) Announce(ctx context.Context, now time.Time, ann Announcement, force bool) (Outcome, *SentMessage, error) {
	if !force {
		if d := suppression.Evaluate(ann.Policy, now); d.Suppressed {
			slog.Info("notification suppressed",
				"provider", ann.Provider,
				"event_id", ann.EventID,
				"guild_id", ann.GuildID,
				"reason", d.Reason,
			)
			return OutcomeSuppressed, nil, nil
		}

		created, err := a.ledger.RecordIfNew(ctx, LedgerEntry{
			Provider:  ann.Provider,
			EventID:   ann.EventID,
			GuildID:   ann.GuildID,
			ChannelID: ann.ChannelID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return OutcomeFailed, nil, common.NewStoreError("ledger record", err)
		}
		if !created {
			return OutcomeDuplicate, nil, nil
		}
	}

	sent, err := a.Deliver(ctx, ann)
	if err != nil {
		return OutcomeFailed, nil, err
	}

	a.Enrich(ctx, ann, sent, force)
	return OutcomeSent, sent, nil
}

// Resume is Announce for jobs that meet the same event again on later runs.
// A claim whose message never went out is delivered again once it is older
// than claimGrace; a younger one reports OutcomePending. Only an entry with a
// message counts as OutcomeDuplicate.
func (a *Announcer) Resume(ctx context.Context, now time.Time, ann Announcement, force bool) (Outcome, *SentMessage, error) {
	if force {
		return a.Announce(ctx, now, ann, true)
	}

	entry, err := a.ledger.GetOne(ctx, ann.Provider, ann.EventID)
	if err != nil {
		return OutcomeFailed, nil, common.NewStoreError("ledger lookup", err)
	}
	if entry == nil {
		outcome, sent, err := a.Announce(ctx, now, ann, false)
		if outcome == OutcomeDuplicate {
			// Claimed by a concurrent run between the lookup and the insert.
			return OutcomePending, nil, nil
		}
		return outcome, sent, err
	}
	if entry.MessageID != "" {
		return OutcomeDuplicate, nil, nil
	}
	if now.Sub(entry.CreatedAt) < claimGrace {
		return OutcomePending, nil, nil
	}

	slog.Info("redelivering unsent claim",
		"provider", ann.Provider,
		"event_id", ann.EventID,
		"claimed_at", entry.CreatedAt,
	)
	sent, err := a.Deliver(ctx, ann)
	if err != nil {
		return OutcomeFailed, nil, err
	}
	a.Enrich(ctx, ann, sent, false)
	return OutcomeSent, sent, nil
}

// Deliver sends the message without consulting any gate.
func (a *Announcer) Deliver(ctx context.Context, ann Announcement) (*SentMessage, error) {
	var (
		sent *SentMessage
		err  error
	)
	if ann.ChannelID != "" {
		sent, err = a.delivery.SendChannelMessage(ctx, ann.ChannelID, ann.Message)
	} else {
		sent, err = a.delivery.SendDirectMessage(ctx, ann.UserID, ann.Message)
	}
	if err == nil && sent == nil {
		err = fmt.Errorf("no message returned")
	}
	if err != nil {
		slog.Warn("notification delivery failed",
			"provider", ann.Provider,
			"event_id", ann.EventID,
			"guild_id", ann.GuildID,
			"channel_id", ann.ChannelID,
			"error", err,
		)
		return nil, common.NewDeliveryError("discord", err.Error())
	}
	return sent, nil
}

// Enrich records the delivered message on the ledger entry. A failure here
// is logged only: the message is already out.
func (a *Announcer) Enrich(ctx context.Context, ann Announcement, sent *SentMessage, forced bool) {
	channelID := ann.ChannelID
	if channelID == "" {
		channelID = sent.ChannelID
	}
	err := a.ledger.SetMessageMeta(ctx, ann.Provider, ann.EventID, MessageMeta{
		GuildID:   ann.GuildID,
		ChannelID: channelID,
		MessageID: sent.ID,
		Forced:    forced,
	})
	if err != nil {
		slog.Error("failed to store message metadata",
			"provider", ann.Provider,
			"event_id", ann.EventID,
			"message_id", sent.ID,
			"error", err,
		)
	}
}

// tally folds an outcome into r.
func (r *Result) tally(o Outcome) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeSuppressed:
		r.Suppressed++
	case OutcomeDuplicate, OutcomePending:
		r.Skipped++
	case OutcomeFailed:
		r.Errors++
	}
}
