// Package feedback is the operator-to-engine mailbox. Notes added through
// the CLI land in .explab/feedback.json; the step executor drains pending
// notes into the next generation seed and marks them processed.
package feedback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"explab/internal/logging"
)

// Item is one operator note.
type Item struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Processed reports whether the note has already been fed to the
// generation capability.
func (it Item) Processed() bool { return it.ProcessedAt != nil }

// Mailbox reads and writes the feedback file. The CLI and the engine open
// it independently; every operation re-reads the file first, so the last
// writer wins, and writes go through a temp file plus rename so a reader
// never sees a torn file.
type Mailbox struct {
	mu   sync.Mutex
	path string
}

// Open returns the mailbox for a workspace. The file itself is created on
// first Add.
func Open(workspace string) *Mailbox {
	return &Mailbox{path: filepath.Join(workspace, ".explab", "feedback.json")}
}

// Add appends a pending note and persists the mailbox.
func (m *Mailbox) Add(text string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.load()
	if err != nil {
		return nil, err
	}

	item := Item{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: time.Now(),
	}
	items = append(items, item)

	if err := m.save(items); err != nil {
		return nil, err
	}
	logging.Expedition("Feedback noted: %s", item.ID)
	return &item, nil
}

// Items returns every note, oldest first.
func (m *Mailbox) Items() ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// DrainPending marks every pending note as processed and returns their
// texts, oldest first. An empty mailbox drains to nothing without touching
// the file.
func (m *Mailbox) DrainPending() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items, err := m.load()
	if err != nil {
		return nil, err
	}

	var texts []string
	now := time.Now()
	for i := range items {
		if items[i].Processed() {
			continue
		}
		items[i].ProcessedAt = &now
		texts = append(texts, items[i].Text)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	if err := m.save(items); err != nil {
		return nil, err
	}
	logging.Expedition("Drained %d feedback note(s) into next generation", len(texts))
	return texts, nil
}

func (m *Mailbox) load() ([]Item, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feedback mailbox: %w", err)
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode feedback mailbox %s: %w", m.path, err)
	}
	return items, nil
}

func (m *Mailbox) save(items []Item) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode feedback mailbox: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write feedback mailbox: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace feedback mailbox: %w", err)
	}
	return nil
}
