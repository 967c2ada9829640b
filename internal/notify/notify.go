// Package notify defines the best-effort append notification contract used
// to wake a session's tailer without it polling the log. Notify is
// explicitly decoupled from eventstore: losing a notice is harmless because
// every subscriber re-queries the log by seq rather than trusting notice
// payloads, so the interface carries just enough to identify which stream
// changed.
package notify

import "context"

// Notice reports that key's log advanced to at least Seq.
type Notice struct {
	Key StreamKey
	Seq int64
}

// StreamKey mirrors eventstore.StreamKey. Kept as a local type (rather than
// importing eventstore) so notify has no dependency on the storage layer;
// callers construct it from an eventstore.StreamKey field-for-field.
type StreamKey struct {
	UserID string
	SaveID string
}

// Channel renders the key using the original ws:v1:{user}:{save} pub/sub
// channel-naming convention. The in-process Notifier does not route on a
// string channel name, and no log line or metric in this module uses it.
func (k StreamKey) Channel() string {
	return "ws:v1:" + k.UserID + ":" + k.SaveID
}

// Notifier publishes and subscribes to append notices for a stream.
type Notifier interface {
	// Publish announces that key's log has advanced to seq. Best-effort:
	// implementations may drop notices for slow or absent subscribers.
	Publish(ctx context.Context, key StreamKey, seq int64)

	// Subscribe registers for notices on key. The returned cancel func
	// must be called when the subscriber disconnects. Implementations
	// must register the subscriber before this call returns. A notice
	// published between a caller's replay and its Subscribe call is not
	// delivered, so callers re-read the log once after subscribing.
	Subscribe(ctx context.Context, key StreamKey) (<-chan Notice, func())
}
