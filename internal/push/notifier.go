package push

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukerupert/strongbox/internal/backup"
	"github.com/dukerupert/strongbox/internal/model"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, sub *model.PushSubscription, payload Payload) error
}

// Subscriptions lists and prunes stored push subscriptions.
type Subscriptions interface {
	List(ctx context.Context) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

const (
	TagBackupFailed    = "backup-failed"
	TagBackupRecovered = "backup-recovered"
)

// Notifier turns backup completions into push notifications. A failed run
// notifies every subscription; the first success after a failure notifies
// again. Cancelled runs are ignored.
type Notifier struct {
	sender Sender
	subs   Subscriptions
	logger *slog.Logger

	failing bool
}

func NewNotifier(sender Sender, subs Subscriptions, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		subs:   subs,
		logger: logger.With("component", "push"),
	}
}

// Watch consumes updates until the channel closes or ctx is done.
func (n *Notifier) Watch(ctx context.Context, updates <-chan backup.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			c, isCompletion := u.(backup.Completion)
			if !isCompletion {
				continue
			}
			if p, send := n.payloadFor(c.Err); send {
				n.Broadcast(ctx, p)
			}
		}
	}
}

func (n *Notifier) payloadFor(err error) (Payload, bool) {
	switch {
	case err == nil:
		if !n.failing {
			return Payload{}, false
		}
		n.failing = false
		return Payload{
			Title: "Backup succeeded",
			Body:  "Backups are working again.",
			URL:   "/api/backups",
			Tag:   TagBackupRecovered,
		}, true
	case errors.Is(err, context.Canceled):
		return Payload{}, false
	default:
		n.failing = true
		return Payload{
			Title: "Backup failed",
			Body:  err.Error(),
			URL:   "/api/backup/status",
			Tag:   TagBackupFailed,
		}, true
	}
}

// Broadcast sends p to every subscription and returns how many accepted it.
// Expired subscriptions are deleted.
func (n *Notifier) Broadcast(ctx context.Context, p Payload) int {
	subs, err := n.subs.List(ctx)
	if err != nil {
		n.logger.Error("list push subscriptions", "error", err)
		return 0
	}

	sent := 0
	for i := range subs {
		sub := &subs[i]
		if err := n.sender.Send(ctx, sub, p); err != nil {
			if errors.Is(err, ErrExpired) {
				if err := n.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
					n.logger.Error("delete expired subscription", "id", sub.ID, "error", err)
				}
				continue
			}
			n.logger.Warn("send push", "id", sub.ID, "tag", p.Tag, "error", err)
			continue
		}
		sent++
	}
	n.logger.Debug("push broadcast", "tag", p.Tag, "sent", sent, "subscriptions", len(subs))
	return sent
}
