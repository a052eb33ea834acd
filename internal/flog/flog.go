package flog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const None Level = -1
const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

var (
	mu       sync.Mutex
	minLevel = Info
	format   = FormatPretty
	logCh    = make(chan string, 1024)
	started  bool
)

// Setup configures the logger from the logging config section and starts the
// drain goroutine. Later calls only adjust level and format.
func Setup(level, fmtName string) {
	mu.Lock()
	defer mu.Unlock()

	minLevel = ParseLevel(level)
	if fmtName == FormatJSON {
		format = FormatJSON
	} else {
		format = FormatPretty
	}

	if !started && minLevel != None {
		started = true
		go func() {
			for msg := range logCh {
				fmt.Fprint(os.Stdout, msg)
			}
		}()
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "info", "":
		return Info
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	case "none", "off":
		return None
	default:
		return Info
	}
}

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	case None:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

func render(level Level, msg string) string {
	now := time.Now()
	if format == FormatJSON {
		rec := struct {
			TS    string `json:"ts"`
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}{now.Format(time.RFC3339Nano), level.String(), msg}
		b, err := json.Marshal(rec)
		if err != nil {
			return ""
		}
		return string(b) + "\n"
	}
	return fmt.Sprintf("%s [%s] %s\n", now.Format("2006-01-02 15:04:05.000"), level.String(), msg)
}

func logf(level Level, fmtStr string, args ...any) {
	if level < minLevel || minLevel == None {
		return
	}
	line := render(level, fmt.Sprintf(fmtStr, args...))

	select {
	case logCh <- line:
	default:
	}
}

func Debugf(format string, args ...any) { logf(Debug, format, args...) }
func Infof(format string, args ...any)  { logf(Info, format, args...) }
func Warnf(format string, args ...any)  { logf(Warn, format, args...) }
func Errorf(format string, args ...any) { logf(Error, format, args...) }

// Fatalf always delivers its message before exiting; the blocking send keeps a
// flooded channel from swallowing the last line.
func Fatalf(fmtStr string, args ...any) {
	if minLevel != None {
		line := render(Fatal, fmt.Sprintf(fmtStr, args...))
		if started {
			logCh <- line
			time.Sleep(50 * time.Millisecond)
		} else {
			fmt.Fprint(os.Stderr, line)
		}
	}
	os.Exit(1)
}

func Close() { close(logCh) }
