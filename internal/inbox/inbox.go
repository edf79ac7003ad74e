package inbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/LucPettett/what-do-i-become/internal/store"
)

// MaxLen bounds a queued instruction.
const MaxLen = 4000

var terminateMarkers = []string{
	"terminate",
	"shutdown",
	"shut down",
	"power down",
	"stop this device",
	"stop device",
	"kill command",
	"kill wdib",
	"goodbye",
}

// Message is a pending human instruction.
type Message struct {
	Text     string
	QueuedAt string
}

func (m Message) Empty() bool { return m.Text == "" }

// Inbox holds at most one pending instruction. A newer instruction replaces
// an unconsumed one.
type Inbox struct {
	Path string
	Now  func() time.Time
}

func (i Inbox) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Enqueue stores text for the next tick.
func (i Inbox) Enqueue(text string) (Message, error) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return Message{}, fmt.Errorf("instruction text cannot be empty")
	}
	if len(cleaned) > MaxLen {
		return Message{}, fmt.Errorf("instruction exceeds %d bytes", MaxLen)
	}
	msg := Message{Text: cleaned, QueuedAt: i.now().UTC().Format(time.RFC3339)}
	if err := os.MkdirAll(filepath.Dir(i.Path), 0o755); err != nil {
		return Message{}, err
	}
	body := fmt.Sprintf("ts=%s\n%s\n", msg.QueuedAt, msg.Text)
	if err := store.WriteFileAtomic(i.Path, []byte(body), 0o600); err != nil {
		return Message{}, fmt.Errorf("queue instruction: %w", err)
	}
	return msg, nil
}

// Peek returns the pending instruction without consuming it.
func (i Inbox) Peek() (Message, error) {
	raw, err := os.ReadFile(i.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Message{}, nil
		}
		return Message{}, fmt.Errorf("read instruction: %w", err)
	}
	return parse(string(raw)), nil
}

func parse(raw string) Message {
	var msg Message
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "ts=") {
		msg.QueuedAt = strings.TrimPrefix(lines[0], "ts=")
		lines = lines[1:]
	}
	for n := range lines {
		lines[n] = strings.TrimRight(lines[n], " \t")
	}
	msg.Text = strings.TrimSpace(strings.Join(lines, "\n"))
	return msg
}

// Clear consumes msg. An instruction queued after msg was peeked is kept.
func (i Inbox) Clear(msg Message) error {
	if msg.Empty() {
		return nil
	}
	current, err := i.Peek()
	if err != nil {
		return err
	}
	if current != msg {
		return nil
	}
	if err := os.Remove(i.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear instruction: %w", err)
	}
	return nil
}

// IsTerminate reports whether an instruction asks the device to stop.
func IsTerminate(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	for _, marker := range terminateMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
