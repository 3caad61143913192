package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeTask       EventType = "task"
	EventTypeStep       EventType = "step"
	EventTypeInvocation EventType = "invocation"
	EventTypeValidation EventType = "validation"
	EventTypeHealing    EventType = "healing"
	EventTypeEvidence   EventType = "evidence"
	EventTypeLLM        EventType = "llm"
	EventTypeHeartbeat  EventType = "heartbeat"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return &Logger{
		out:        os.Stdout,
		llmLogPath: filepath.Join("logs", "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// SetOutput redirects event output; used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()

	if evt.Type == EventTypeLLM {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogTask(taskID, status string, success bool) {
	l.Log(Event{
		Type:   EventTypeTask,
		TaskID: taskID,
		Data: map[string]any{
			"status":  status,
			"success": success,
		},
	})
}

func (l *Logger) LogStep(taskID, stepID string, seq int, success bool, errMsg string) {
	l.Log(Event{
		Type:   EventTypeStep,
		TaskID: taskID,
		StepID: stepID,
		Data: map[string]any{
			"seq":     seq,
			"success": success,
			"error":   errMsg,
		},
	})
}

func (l *Logger) LogInvocation(taskID, operation string, attempts int, success bool) {
	l.Log(Event{
		Type:   EventTypeInvocation,
		TaskID: taskID,
		Data: map[string]any{
			"operation": operation,
			"attempts":  attempts,
			"success":   success,
		},
	})
}

func (l *Logger) LogHealing(taskID, stepID, strategy string, confidence float64, success bool) {
	l.Log(Event{
		Type:   EventTypeHealing,
		TaskID: taskID,
		StepID: stepID,
		Data: map[string]any{
			"strategy":   strategy,
			"confidence": confidence,
			"success":    success,
		},
	})
}

func (l *Logger) LogEvidence(taskID, stepID, path string) {
	l.Log(Event{
		Type:   EventTypeEvidence,
		TaskID: taskID,
		StepID: stepID,
		Data:   map[string]string{"path": path},
	})
}

func (l *Logger) LogWarning(taskID, message string) {
	l.Log(Event{
		Type:   EventTypeTask,
		TaskID: taskID,
		Data:   map[string]string{"warning": message},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(taskID, stepID string, prompt any, response string) {
	l.Log(Event{
		Type:   EventTypeLLM,
		TaskID: taskID,
		StepID: stepID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}
