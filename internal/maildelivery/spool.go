// Package maildelivery implements the file-spooled outbound mail queue and
// the SMTP delivery service that drains it.
package maildelivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Message is one spooled outbound mail. Spool files are a single JSON
// document.
type Message struct {
	MessageID       string            `json:"message_id"`
	ParentMessageID string            `json:"parent_message_id,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	FromUser        string            `json:"from_user"`
	ToUser          string            `json:"to_user"`
	Recipients      []string          `json:"recipients"`
	Subject         string            `json:"subject"`
	Body            string            `json:"body"`
}

// spoolName builds the "<from>_<to>_<message-id>.txt" spool filename.
// Path separators in identities are flattened so the name stays inside the
// spool directory.
func spoolName(msg *Message) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, "/", "-")
		s = strings.ReplaceAll(s, string(os.PathSeparator), "-")
		return s
	}
	id := strings.Trim(msg.MessageID, "<>")
	return fmt.Sprintf("%s_%s_%s.txt", clean(msg.FromUser), clean(msg.ToUser), clean(id))
}

// WriteSpool queues a message for delivery: the file is written with a
// ".pending" suffix and atomically renamed, so the delivery service never
// observes a partial write. Any service may call this; delivery is woken by
// SIGHUP separately.
func WriteSpool(dir string, msg *Message) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("<%d.%d@refinery>", time.Now().UnixNano(), os.Getpid())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("maildelivery: create spool dir: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("maildelivery: encode spool message: %w", err)
	}
	final := filepath.Join(dir, spoolName(msg))
	pending := final + ".pending"
	if err := os.WriteFile(pending, data, 0o644); err != nil {
		return "", fmt.Errorf("maildelivery: write spool file: %w", err)
	}
	if err := os.Rename(pending, final); err != nil {
		return "", fmt.Errorf("maildelivery: publish spool file: %w", err)
	}
	return final, nil
}

// readSpool parses one spool file.
func readSpool(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("maildelivery: read spool file %s: %w", path, err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("maildelivery: parse spool file %s: %w", path, err)
	}
	return &msg, nil
}

// listSpool returns the visible (non-pending, non-invalid) spool files in
// submission order, oldest first.
func listSpool(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("maildelivery: list spool dir: %w", err)
	}
	type aged struct {
		path string
		mod  time.Time
	}
	var files []aged
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{filepath.Join(dir, entry.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// Render produces the RFC 2822 form of the message.
func (m *Message) Render(systemEmail string) string {
	var b strings.Builder
	from := m.FromUser
	if from == "" {
		from = systemEmail
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", m.MessageID)
	if m.ParentMessageID != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", m.ParentMessageID)
		fmt.Fprintf(&b, "References: %s\r\n", m.ParentMessageID)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n")

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, m.Headers[k])
	}
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return b.String()
}
