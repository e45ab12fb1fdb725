package logger

import (
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// DefaultQueueSize is the number of lines buffered by the asynchronous writer.
const DefaultQueueSize = 1024

const timeLayout = "2006-01-02 15:04:05"

var (
	currentLevel atomic.Int32

	sinkMu  sync.RWMutex
	current = newSyncSink(os.Stdout, false)

	dropped atomic.Uint64

	levelColors = map[Level]*color.Color{
		LevelDebug: color.New(color.FgCyan),
		LevelInfo:  color.New(color.FgGreen),
		LevelWarn:  color.New(color.FgYellow),
		LevelError: color.New(color.FgRed, color.Bold),
	}
)

func init() {
	currentLevel.Store(int32(LevelInfo))
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config selects the log destination and encoding.
type Config struct {
	// Level is DEBUG, INFO, WARN or ERROR (case-insensitive)
	Level string

	// Format is "text" or "json"
	Format string

	// Output is "stdout", "stderr" or a file path (opened in append mode)
	Output string

	// Async moves writes to a dedicated goroutine fed by a bounded queue.
	// Lines are dropped, never blocked on, when the queue is full.
	Async bool

	// QueueSize bounds the asynchronous queue (DefaultQueueSize if <= 0)
	QueueSize int
}

// sink is one configured destination. Lines are fully formatted before they reach it.
type sink struct {
	out   *stdlog.Logger
	file  *os.File
	json  bool
	color bool
	lines chan string
	done  chan struct{}
}

func newSyncSink(f *os.File, jsonFormat bool) *sink {
	return &sink{
		out:   stdlog.New(f, "", 0),
		json:  jsonFormat,
		color: !jsonFormat && !color.NoColor && (f == os.Stdout || f == os.Stderr),
	}
}

func (s *sink) startAsync(queueSize int) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s.lines = make(chan string, queueSize)
	s.done = make(chan struct{})
	go s.drain()
}

func (s *sink) drain() {
	defer close(s.done)
	for line := range s.lines {
		s.out.Println(line)
	}
}

func (s *sink) write(line string) {
	if s.lines == nil {
		s.out.Println(line)
		return
	}
	select {
	case s.lines <- line:
	default:
		dropped.Add(1)
	}
}

// close flushes queued lines and releases the file, if any.
func (s *sink) close() error {
	if s.lines != nil {
		close(s.lines)
		<-s.done
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *sink) format(now time.Time, level Level, message string) string {
	if s.json {
		entry, err := json.Marshal(struct {
			Time  string `json:"time"`
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}{now.Format(time.RFC3339Nano), level.String(), message})
		if err == nil {
			return string(entry)
		}
	}

	name := level.String()
	if s.color {
		name = levelColors[level].Sprint(name)
	}
	return fmt.Sprintf("[%s] [%s] %s", now.Format(timeLayout), name, message)
}

// Configure replaces the active destination. The previous one is flushed and closed.
func Configure(cfg Config) error {
	var next *sink
	jsonFormat := strings.EqualFold(cfg.Format, "json")

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		next = newSyncSink(os.Stdout, jsonFormat)
	case "stderr":
		next = newSyncSink(os.Stderr, jsonFormat)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		next = newSyncSink(f, jsonFormat)
		next.file = f
	}

	if cfg.Async {
		next.startAsync(cfg.QueueSize)
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}

	sinkMu.Lock()
	prev := current
	current = next
	sinkMu.Unlock()

	return prev.close()
}

// Close flushes pending lines and restores synchronous logging to stdout.
func Close() error {
	sinkMu.Lock()
	prev := current
	current = newSyncSink(os.Stdout, false)
	sinkMu.Unlock()

	return prev.close()
}

// Dropped returns the number of lines discarded because the asynchronous queue was full.
func Dropped() uint64 {
	return dropped.Load()
}

func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	}
}

// Enabled reports whether messages at level are emitted.
func Enabled(level Level) bool {
	return level >= Level(currentLevel.Load())
}

func log(level Level, format string, v ...any) {
	if !Enabled(level) {
		return
	}

	message := fmt.Sprintf(format, v...)

	sinkMu.RLock()
	current.write(current.format(time.Now(), level, message))
	sinkMu.RUnlock()
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}
