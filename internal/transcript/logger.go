// Package transcript records conversations as ndjson logs and exports a
// session transcript for download.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Channels and directions of logged events.
const (
	ChannelChatHTTP = "chat_http"
	ChannelChatWS   = "chat_ws"
	ChannelReport   = "report_http"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event types.
const (
	EventUserMessage      = "chat_user_message"
	EventAssistantMessage = "chat_assistant_message"
	EventToolCall         = "tool_call"
	EventTurnError        = "turn_error"
	EventReportRequest    = "report_request"
	EventReportResult     = "report_result"
)

// ConversationLogConfig controls where events are written.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one logged line.
type ConversationLogEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger accepts events for asynchronous writing.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// NopLogger discards events.
type NopLogger struct{}

// Log discards event.
func (NopLogger) Log(ConversationLogEvent) {}

// Close does nothing.
func (NopLogger) Close() error { return nil }

// FileLogger writes events to dir/<user>/<session>.ndjson and optionally to
// one global file. Events are queued and dropped when the queue is full.
type FileLogger struct {
	cfg    ConversationLogConfig
	log    *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// NewConversationLogger returns a logger for cfg. A disabled config yields a
// NopLogger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return NopLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}
	l := &FileLogger{
		cfg:   cfg,
		log:   logger,
		queue: make(chan ConversationLogEvent, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log queues event. Content is filled from ContentRaw when empty.
func (l *FileLogger) Log(event ConversationLogEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.log.Warn("Conversation log queue full, dropping event", "event_type", event.EventType, "session_id", event.SessionID)
	}
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.log.Warn("Failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')
		var errs []error
		if l.cfg.Enabled {
			path := filepath.Join(l.cfg.Dir, safeName(event.UserID), safeName(event.SessionID)+".ndjson")
			errs = append(errs, appendLine(path, line))
		}
		if l.cfg.GlobalEnabled {
			errs = append(errs, appendLine(l.cfg.GlobalPath, line))
		}
		if err := errors.Join(errs...); err != nil {
			l.log.Warn("Failed to write conversation event", "error", err)
		}
	}
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func safeName(s string) string {
	s = unsafePattern.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

// cleanForReadability strips terminal escapes and normalizes whitespace.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
