package shopify

import (
	"time"

	"github.com/noah-isme/ravenpos/internal/inventory"
)

// DefaultEchoWindow is how long after a local change an inbound update for
// the same item is treated as its echo.
const DefaultEchoWindow = 10 * time.Second

// LoopGuard recognises storefront updates that are echoes of changes made at
// the register. The window is a heuristic: a genuine storefront sale landing
// inside it is dropped too.
type LoopGuard struct {
	Window time.Duration
}

func (g LoopGuard) window() time.Duration {
	if g.Window <= 0 {
		return DefaultEchoWindow
	}
	return g.Window
}

// ShouldIgnore reports whether an inbound update for item arriving at now
// should be dropped because the item was changed locally within the window.
func (g LoopGuard) ShouldIgnore(item inventory.Item, now time.Time) bool {
	if item.LastSyncSource != inventory.SourceLocal || item.LastSyncAt == nil {
		return false
	}
	return now.Sub(*item.LastSyncAt) < g.window()
}

// IsEcho reports whether the update carries a provenance tag showing it
// started at the register.
func (g LoopGuard) IsEcho(update InboundUpdate) bool {
	return update.Origin == inventory.SourceLocal
}
