// Package history maintains per-job markdown history files used to keep
// scheduled agent runs from repeating themselves. Each file is a sequence
// of dated sections; sections older than 14 days are dropped on every write.
package history

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// dedupMarker splits an agent response into a chat-facing part and a
	// history-facing part. Only the portion after the last marker is stored.
	dedupMarker = "---DEDUP---"

	retention = 14 * 24 * time.Hour
)

var sectionHead = regexp.MustCompile(`(?m)^## (\d{4}-\d{2}-\d{2})`)

// Manager reads and writes history files under {vault}/agent-files.
// It has no shared state; concurrent use across different job names is safe.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at vault.
func NewManager(vault string) *Manager {
	return &Manager{dir: filepath.Join(vault, "agent-files")}
}

func (m *Manager) filePath(jobName string) string {
	return filepath.Join(m.dir, jobName+"-history.md")
}

// ReadContext returns the job's history wrapped in a delimiter block ready
// to append to a prompt. A missing file means empty history; any other read
// error is logged and treated as empty, never propagated.
func (m *Manager) ReadContext(jobName string) string {
	data, err := os.ReadFile(m.filePath(jobName))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("history read failed", "job", jobName, "error", err)
		}
		return ""
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return ""
	}
	return "\n\n--- PREVIOUS RESULTS - do not repeat these stories/items:\n" + content + "\n---"
}

// AppendEntry stores responseText under a section headed by today's date,
// then rewrites the file with sections older than the retention window
// dropped. If the response contains the dedup marker, only the portion
// after its last occurrence is stored.
func (m *Manager) AppendEntry(jobName, responseText string) error {
	body := responseText
	if idx := strings.LastIndex(responseText, dedupMarker); idx >= 0 {
		body = responseText[idx+len(dedupMarker):]
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}

	path := m.filePath(jobName)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read history: %w", err)
	}

	now := time.Now()
	content := string(existing) + "\n## " + now.Format("2006-01-02") + "\n" + body + "\n"
	content = trimSections(content, now)

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, "."+jobName+"-*.md")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename history: %w", err)
	}
	return nil
}

// trimSections splits content on dated section heads (## YYYY-MM-DD),
// drops any leading non-dated fragment, and drops sections older than the
// retention window relative to now. Pure function; applying it twice with
// the same now yields the same result.
func trimSections(content string, now time.Time) string {
	heads := sectionHead.FindAllStringSubmatchIndex(content, -1)
	if len(heads) == 0 {
		return ""
	}

	var keep []string
	for i, head := range heads {
		start := head[0]
		end := len(content)
		if i+1 < len(heads) {
			end = heads[i+1][0]
		}
		date, err := time.Parse("2006-01-02", content[head[2]:head[3]])
		if err != nil {
			continue
		}
		if now.Sub(date) > retention {
			continue
		}
		keep = append(keep, strings.TrimRight(content[start:end], "\n"))
	}
	if len(keep) == 0 {
		return ""
	}
	return strings.Join(keep, "\n\n") + "\n"
}
