package websocket

import (
	"context"

	"github.com/dukerupert/strongbox/internal/backup"
)

const entityBackup = "backup"

// FromUpdate converts a runner update into a client message.
func FromUpdate(u backup.Update) Message {
	switch u := u.(type) {
	case backup.Progress:
		stages := make(map[string]float64)
		for _, st := range u.Snapshot.Stages() {
			f, _ := u.Snapshot.Fraction(st)
			stages[string(st)] = f
		}
		extra := map[string]any{
			"percent": backup.Percent(u.Snapshot),
			"stages":  stages,
		}
		if cur, ok := u.Snapshot.Current(); ok {
			extra["stage"] = string(cur)
		}
		return NewMessage(entityBackup, "progress", "", extra)
	case backup.Completion:
		extra := map[string]any{"success": u.Err == nil}
		if u.Err != nil {
			extra["error"] = u.Err.Error()
		}
		return NewMessage(entityBackup, "completion", "", extra)
	default:
		return NewMessage(entityBackup, "idle", "", nil)
	}
}

// Relay broadcasts every update until the channel closes or ctx is done.
func (h *Hub) Relay(ctx context.Context, updates <-chan backup.Update) {
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			h.Broadcast(FromUpdate(u))
		case <-ctx.Done():
			return
		}
	}
}
