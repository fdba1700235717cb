package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DefaultLogFile is where the supervisor writes its log unless overridden.
const DefaultLogFile = "/var/log/xrootdrestart.log"

// SetLogLevel sets the level of the standard logger from a config value.
func SetLogLevel(logLevel string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Warnf("invalid log level %q, keeping %s", logLevel, log.GetLevel())
		return
	}
	log.SetLevel(level)
}

// ConfigureFile redirects the standard logger to the given file using the
// line format expected by operators and collapsing repeated messages. An
// empty path leaves the logger on stderr but still installs the formatters.
func ConfigureFile(path string) error {
	log.SetFormatter(NewDedupFormatter(&FileFormatter{}))
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", path, err)
	}
	log.SetOutput(f)
	return nil
}

// FileFormatter renders entries as "<ISO timestamp> - <LEVEL> - <message>".
type FileFormatter struct{}

// Format implements logrus.Formatter.
func (f *FileFormatter) Format(entry *log.Entry) ([]byte, error) {
	ts := entry.Time.Format("2006-01-02 15:04:05.000")
	return []byte(fmt.Sprintf("%s - %s - %s\n", ts, levelName(entry.Level), entry.Message)), nil
}

func levelName(level log.Level) string {
	if level == log.WarnLevel {
		return "WARNING"
	}
	return strings.ToUpper(level.String())
}

// DedupFormatter suppresses consecutive duplicate log messages. The first
// occurrence is emitted as usual; further repeats are swallowed until a
// different message arrives, at which point a single summary line is emitted
// before it. A lone repeat re-emits the original message, N>1 repeats emit
// "Repeated N more times: <original>".
type DedupFormatter struct {
	inner log.Formatter

	mu        sync.Mutex
	lastMsg   string
	lastLevel log.Level
	repeats   int
	primed    bool
}

// NewDedupFormatter wraps inner with duplicate collapsing.
func NewDedupFormatter(inner log.Formatter) *DedupFormatter {
	return &DedupFormatter{inner: inner}
}

// Format implements logrus.Formatter.
func (d *DedupFormatter) Format(entry *log.Entry) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.primed && entry.Message == d.lastMsg && entry.Level == d.lastLevel {
		d.repeats++
		return nil, nil
	}

	var out []byte
	if d.repeats > 0 {
		summary := d.lastMsg
		if d.repeats > 1 {
			summary = fmt.Sprintf("Repeated %d more times: %s", d.repeats, d.lastMsg)
		}
		line, err := d.inner.Format(&log.Entry{
			Logger:  entry.Logger,
			Time:    entry.Time,
			Level:   d.lastLevel,
			Message: summary,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, line...)
	}

	d.lastMsg = entry.Message
	d.lastLevel = entry.Level
	d.repeats = 0
	d.primed = true

	line, err := d.inner.Format(entry)
	if err != nil {
		return nil, err
	}
	return append(out, line...), nil
}
