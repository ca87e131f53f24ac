// Package releaselog keeps the per-VM log file written while a VM is
// powered up.
//
// The log is a logrus hook: entries tagged with the VM's name are mirrored
// into <dir>/<vm>.log. Every Open rotates older logs to <vm>.log.1 ...
// <vm>.log.N.
package releaselog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultKeep is the number of rotated logs retained.
const DefaultKeep = 3

// FieldVM is the logrus field the hook filters on.
const FieldVM = "vm"

// Log is a rotating per-VM log file.
type Log struct {
	dir  string
	vm   string
	keep int

	mu        sync.Mutex
	f         *os.File
	formatter logrus.Formatter
}

// New creates a closed log for vm in dir.
func New(dir, vm string, keep int) *Log {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Log{
		dir:  dir,
		vm:   vm,
		keep: keep,
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			DisableQuote:    true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		},
	}
}

// Path returns the current log file path.
func (l *Log) Path() string {
	return filepath.Join(l.dir, l.vm+".log")
}

// Open rotates existing logs and starts a new one. Opening an open log is a
// no-op.
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := l.rotate(); err != nil {
		return err
	}
	f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open release log: %w", err)
	}
	l.f = f
	return nil
}

// rotate shifts <vm>.log.(i) to <vm>.log.(i+1), dropping the oldest.
func (l *Log) rotate() error {
	base := l.Path()
	oldest := fmt.Sprintf("%s.%d", base, l.keep)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", oldest, err)
	}
	for i := l.keep - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", base, i)
		to := fmt.Sprintf("%s.%d", base, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotate %s: %w", from, err)
		}
	}
	if err := os.Rename(base, base+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate %s: %w", base, err)
	}
	return nil
}

// Close closes the current log. Entries fired while closed are dropped.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Levels implements logrus.Hook.
func (l *Log) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (l *Log) Fire(entry *logrus.Entry) error {
	if vm, ok := entry.Data[FieldVM]; !ok || vm != l.vm {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	line, err := l.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = l.f.Write(line)
	return err
}
