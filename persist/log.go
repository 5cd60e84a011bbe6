// Package persist provides the structured logger shared by every long-lived
// component of the chunk engine (one per storage node, one per client mount
// session).
package persist

import (
	"fmt"
	"log"
	"os"
	"time"
)

// Logger wraps the standard library logger with Critical/Severe methods
// that mirror build.Critical/build.Severe, so a component can log an
// invariant violation through the same logger it uses for routine messages
// and still have the event recorded durably on disk.
type Logger struct {
	*log.Logger
	file *os.File
}

// NewLogger opens (creating if necessary) the log file at filename and
// returns a Logger that appends to it, writing a STARTUP banner so that log
// files concatenated across restarts remain readable.
func NewLogger(filename string) (*Logger, error) {
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	logger := log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile|log.LUTC)
	l := &Logger{Logger: logger, file: f}
	l.Println("STARTUP: log created at", time.Now().Format(time.RFC3339))
	return l, nil
}

// Critical logs an invariant violation: a condition that should be
// impossible unless there is a programming error or on-disk corruption.
func (l *Logger) Critical(v ...interface{}) {
	l.Output(2, "CRITICAL: "+fmt.Sprintln(v...))
}

// Severe logs a serious but recoverable condition, such as a disk error that
// the caller is routing around by using a different replica.
func (l *Logger) Severe(v ...interface{}) {
	l.Output(2, "SEVERE: "+fmt.Sprintln(v...))
}

// Close writes a SHUTDOWN banner and closes the underlying file.
func (l *Logger) Close() error {
	l.Println("SHUTDOWN: logger closing")
	return l.file.Close()
}
