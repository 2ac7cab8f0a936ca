// Package audit keeps an append-only trail of lock manager events on disk.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dinolock/pkg/concurrency"

	"github.com/cockroachdb/errors"
	"github.com/icza/backscanner"
	"github.com/otiai10/copy"
)

/*
   Records look like:

   < txn 3 acquire database/T1 IX >
   < txn 3 acquire-release database/T1 X release database/T1/P1 >
   < txn 4 deadlock database S >

   One record per line, oldest first.
*/

// Log is a lock event trail backed by a file.
type Log struct {
	path string
	file *os.File
	mtx  sync.Mutex
}

// Open opens the trail at `path`, creating it if needed.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "opening audit log %s", path)
	}
	return &Log{path: path, file: file}, nil
}

// Path returns the file the trail is written to.
func (l *Log) Path() string {
	return l.path
}

// Record appends `ev` to the trail and syncs it to disk.
func (l *Log) Record(ev concurrency.Event) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.flush(ev.String())
}

// flush appends one record. Expects l.mtx to be locked.
func (l *Log) flush(record string) error {
	if _, err := l.file.WriteString(record + "\n"); err != nil {
		return err
	}
	return l.file.Sync()
}

// Tail returns the last `n` records, newest first. A non-positive `n` returns
// every record.
func (l *Log) Tail(n int) ([]string, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	fstats, err := l.file.Stat()
	if err != nil {
		return nil, err
	}

	scanner := backscanner.New(l.file, int(fstats.Size()))
	records := make([]string, 0)
	for n <= 0 || len(records) < n {
		line, _, err := scanner.LineBytes()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		// The trail ends in a newline, which reads as an empty last line.
		if len(line) == 0 {
			continue
		}
		records = append(records, string(line))
	}
	return records, nil
}

// Archive copies the trail into `dir` and then empties it. Returns the path
// of the copy.
func (l *Log) Archive(dir string) (string, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.file.Sync(); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(l.path), time.Now().UTC().Format("20060102T150405.000000000")))
	if err := copy.Copy(l.path, dst); err != nil {
		return "", errors.Wrapf(err, "archiving audit log to %s", dst)
	}
	if err := l.file.Truncate(0); err != nil {
		return "", errors.Wrap(err, "truncating audit log")
	}
	return dst, nil
}

// Close closes the trail's file.
func (l *Log) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.file.Close()
}
