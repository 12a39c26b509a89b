package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Notebook is a markdown bullet list of remembered facts, shared by the
// memory tools. Writes replace the file atomically.
type Notebook struct {
	path string
	mu   sync.Mutex
}

func NewNotebook(path string) *Notebook { return &Notebook{path: path} }

// Path returns the backing file.
func (n *Notebook) Path() string { return n.path }

// Entries returns the remembered facts in file order.
func (n *Notebook) Entries() ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.load()
}

func (n *Notebook) load() ([]string, error) {
	data, err := os.ReadFile(n.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read notebook: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

func (n *Notebook) store(entries []string) error {
	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		return fmt.Errorf("create notebook dir: %w", err)
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- " + e + "\n")
	}
	tmp := n.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write notebook: %w", err)
	}
	return os.Rename(tmp, n.path)
}

func (n *Notebook) add(fact string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entries, err := n.load()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e == fact {
			return false, nil
		}
	}
	return true, n.store(append(entries, fact))
}

func (n *Notebook) remove(fact string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entries, err := n.load()
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e == fact {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return false, nil
	}
	return true, n.store(kept)
}

type factArgs struct {
	Content string `json:"content"`
}

func parseFact(args json.RawMessage) (string, error) {
	var p factArgs
	if err := decodeArgs(args, &p); err != nil {
		return "", err
	}
	fact := strings.TrimSpace(p.Content)
	if fact == "" {
		return "", fmt.Errorf("content is required")
	}
	return fact, nil
}

// MemorySave appends a fact to the notebook.
type MemorySave struct{ nb *Notebook }

func NewMemorySave(nb *Notebook) *MemorySave { return &MemorySave{nb: nb} }

func (m *MemorySave) Name() string        { return "memory_save" }
func (m *MemorySave) Description() string { return "Save a fact or preference to persistent memory" }
func (m *MemorySave) Mutating() bool      { return true }
func (m *MemorySave) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact or preference to remember"}
		},
		"required": ["content"]
	}`)
}

func (m *MemorySave) Execute(_ context.Context, args json.RawMessage) (string, error) {
	fact, err := parseFact(args)
	if err != nil {
		return "", err
	}
	added, err := m.nb.add(fact)
	if err != nil {
		return "", err
	}
	if !added {
		return "Memory already exists: " + fact, nil
	}
	return "Saved: " + fact, nil
}

// MemoryDelete removes a fact from the notebook.
type MemoryDelete struct{ nb *Notebook }

func NewMemoryDelete(nb *Notebook) *MemoryDelete { return &MemoryDelete{nb: nb} }

func (m *MemoryDelete) Name() string { return "memory_delete" }
func (m *MemoryDelete) Description() string {
	return "Delete a fact or preference from persistent memory"
}
func (m *MemoryDelete) Mutating() bool { return true }
func (m *MemoryDelete) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact or preference to forget (must match existing entry)"}
		},
		"required": ["content"]
	}`)
}

func (m *MemoryDelete) Execute(_ context.Context, args json.RawMessage) (string, error) {
	fact, err := parseFact(args)
	if err != nil {
		return "", err
	}
	removed, err := m.nb.remove(fact)
	if err != nil {
		return "", err
	}
	if !removed {
		return "Memory not found: " + fact, nil
	}
	return "Deleted: " + fact, nil
}

// MemoryList returns all stored facts.
type MemoryList struct{ nb *Notebook }

func NewMemoryList(nb *Notebook) *MemoryList { return &MemoryList{nb: nb} }

func (m *MemoryList) Name() string { return "memory_list" }
func (m *MemoryList) Description() string {
	return "List all facts and preferences in persistent memory"
}
func (m *MemoryList) Mutating() bool { return false }
func (m *MemoryList) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (m *MemoryList) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	entries, err := m.nb.Entries()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No memories stored yet.", nil
	}
	return "- " + strings.Join(entries, "\n- "), nil
}

// Builtins returns the standard tool set. Bash is included only when enabled.
func Builtins(nb *Notebook, bashEnabled bool, workDir string) []Tool {
	out := []Tool{
		NewReadURL(),
		NewMemorySave(nb),
		NewMemoryDelete(nb),
		NewMemoryList(nb),
	}
	if bashEnabled {
		out = append(out, NewBash(workDir))
	}
	return out
}
