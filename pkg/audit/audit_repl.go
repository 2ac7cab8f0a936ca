package audit

import (
	"strconv"
	"strings"

	"dinolock/pkg/repl"

	"github.com/cockroachdb/errors"
)

// Audit REPL. Fails if a command cannot be registered.
func AuditREPL(l *Log, archiveDir string) (*repl.REPL, error) {
	r := repl.NewRepl()
	err := r.AddCommand("history", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleHistory(l, payload)
	}, "Print the most recent lock events, newest first. usage: history [n]")
	if err != nil {
		return nil, err
	}

	err = r.AddCommand("archive", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleArchive(l, archiveDir, payload)
	}, "Copy the lock event trail aside and start a new one. usage: archive")
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Handle history.
func HandleHistory(l *Log, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: history [n]
	n := 0
	switch len(fields) {
	case 1:
	case 2:
		n, err = strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return "", errors.New("history error: n must be a positive integer")
		}
	default:
		return "", errors.New("usage: history [n]")
	}
	records, err := l.Tail(n)
	if err != nil {
		return "", errors.Wrap(err, "history error")
	}
	return strings.Join(records, "\n"), nil
}

// Handle archive.
func HandleArchive(l *Log, archiveDir string, payload string) (output string, err error) {
	if len(strings.Fields(payload)) != 1 {
		return "", errors.New("usage: archive")
	}
	dst, err := l.Archive(archiveDir)
	if err != nil {
		return "", errors.Wrap(err, "archive error")
	}
	return "archived to " + dst, nil
}
