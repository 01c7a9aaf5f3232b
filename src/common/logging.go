package common

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// GLogger is replaced by the command layer once the real writers are known.
// The zero value swallows everything, so library code can log unconditionally.
var GLogger = &Logger{}

// Logger fans output out to two logrus instances: a console logger for
// user-facing progress lines and an optional debug logger. Debug lines get
// the elapsed time since the previous debug line appended, which makes the
// load and generation phases easy to profile from the log file alone.
type Logger struct {
	console *logrus.Logger
	debug   *logrus.Logger

	debugStartTime time.Time
}

type consolePrefixFormatter struct {
	prefix        string
	withTimestamp bool
}

func (f *consolePrefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(f.prefix)
	if f.withTimestamp {
		sb.WriteString(entry.Time.Format("15:04:05.000000 "))
	}
	sb.WriteString(entry.Message)
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}

func NewLogger(consoleWriter io.Writer, debugWriter io.Writer) (*Logger, error) {
	if consoleWriter == nil {
		consoleWriter = os.Stdout
	}
	console := logrus.New()
	console.SetOutput(consoleWriter)
	console.SetLevel(logrus.InfoLevel)
	console.SetFormatter(&consolePrefixFormatter{prefix: "[INFO] "})

	result := &Logger{
		console: console,
		debug:   nil,
	}
	if debugWriter != nil {
		debug := logrus.New()
		debug.SetOutput(debugWriter)
		debug.SetLevel(logrus.DebugLevel)
		debug.SetFormatter(&consolePrefixFormatter{prefix: "[DEBUG] ", withTimestamp: true})
		result.debug = debug
	}
	return result, nil
}

func (l *Logger) ConsolePrintf(format string, v ...any) {
	if l.console != nil {
		l.console.Infof(format, v...)
	}
}

func (l *Logger) ConsoleFatal(v ...any) {
	if l.console != nil {
		l.console.Fatal(v...)
	}
}

func (l *Logger) DebugPrintf(format string, v ...any) {
	if l.debug != nil {
		if !l.debugStartTime.IsZero() {
			format += fmt.Sprintf(" (%.4f secs)", time.Since(l.debugStartTime).Seconds())
		}
		l.debug.Debugf(format, v...)
		l.debugStartTime = time.Now()
	}
}

func (l *Logger) Close() {
	if l.console != nil {
		f, ok := l.console.Out.(*os.File)
		if ok {
			f.Close()
		}
	}
	if l.debug != nil {
		f, ok := l.debug.Out.(*os.File)
		if ok {
			f.Close()
		}
	}
}
