package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// BadgerLogrusAdapter implements badger.Logger using logrus.
// Badger is chatty at Info, so its Info lines are demoted to Debug.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

// NewBadgerLogrusAdapter creates a new adapter
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{})   { l.Entry.Errorf(trimNewline(f), v...) }
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warnf(trimNewline(f), v...) }
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{})    { l.Entry.Debugf(trimNewline(f), v...) }
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{})   { l.Entry.Tracef(trimNewline(f), v...) }

// MigrateLogrusAdapter implements migrate.Logger using logrus
type MigrateLogrusAdapter struct {
	entry *logrus.Entry
}

// NewMigrateLogrusAdapter creates a new adapter
func NewMigrateLogrusAdapter(entry *logrus.Entry) *MigrateLogrusAdapter {
	return &MigrateLogrusAdapter{entry: entry}
}

// Printf logs a migration step
func (l *MigrateLogrusAdapter) Printf(format string, v ...interface{}) {
	l.entry.Infof(trimNewline(format), v...)
}

// Verbose enables migrate's per-statement output only at debug level
func (l *MigrateLogrusAdapter) Verbose() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// Printf returns a printf-style func logging at level, for libraries that take a logf callback
func Printf(entry *logrus.Entry, level logrus.Level) func(string, ...interface{}) {
	return func(format string, v ...interface{}) {
		entry.Logf(level, trimNewline(format), v...)
	}
}

func trimNewline(f string) string {
	return strings.TrimRight(f, "\n")
}
