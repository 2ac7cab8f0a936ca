// Global lock server config.
package config

import "time"

// Name of the lock server.
const DBName = "dinolock"

// Prompt printed by REPL.
const Prompt = DBName + "> "

// Port the server listens on for REPL clients.
const DefaultPort = 8335

// Address the prometheus metrics are served on.
const MetricsAddr = ":8336"

// How long a lock request waits before its transaction is aborted.
const LockWaitTimeout = 5 * time.Second

// Name of the lock audit trail.
const AuditLogFileName = "locks.log"

// Directory audit trails are archived into.
const ArchiveDir = "archive"

// Default logrus level.
const LogLevel = "info"

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
