package edge

import "github.com/rs/zerolog"

// Notifier is the user-facing notification surface. Every failure path ends
// in a notification, never a crash.
type Notifier interface {
	// Notify reports routine events: a queued write, a drained record.
	Notify(message string)
	// Alert reports problems needing attention: a failed replay, lost
	// connectivity, an unavailable store.
	Alert(message string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(message string) {
	n.Log.Info().Str("notification", message).Msg("notify")
}

func (n LogNotifier) Alert(message string) {
	n.Log.Warn().Str("notification", message).Msg("alert")
}
