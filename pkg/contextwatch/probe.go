// Package contextwatch aggregates host context signals (focused window,
// clipboard activity, user idleness) into bus events. Probes are polled on
// a schedule; only changes are published, so subscribers see transitions
// rather than a stream of identical snapshots.
package contextwatch

import (
	"context"
	"time"
)

// WindowInfo describes the focused window at poll time.
type WindowInfo struct {
	App   string `json:"app"`
	Title string `json:"title"`
}

// WindowProbe reports the currently focused window.
type WindowProbe interface {
	CurrentWindow(ctx context.Context) (WindowInfo, error)
}

// ClipboardProbe reports the current clipboard content. The aggregator
// never publishes the content itself, only a digest of it.
type ClipboardProbe interface {
	Clipboard(ctx context.Context) (string, error)
}

// IdleProbe reports how long the user has been inactive.
type IdleProbe interface {
	IdleDuration(ctx context.Context) (time.Duration, error)
}
