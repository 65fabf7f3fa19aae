// Package sym defines the glyphs jobhub attaches to log lines and CLI output
// so operators can scan a busy log by subsystem.
package sym

// Subsystem glyphs.
const (
	Hub   = "⛯" // hub lifecycle: start, stop, banner
	Relay = "⇄" // message proxy: connections, routing identities
	Gate  = "⊘" // authentication gate: admit/reject decisions
	Pool  = "꩜" // worker pool units
	DB    = "⊔" // database/storage layer
	Key   = "⚿" // key store: keypairs and trusted keys
	Sweep = "❀" // worker health sweep
	Claim = "✿" // successful job claim
)
