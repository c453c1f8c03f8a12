package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"unicode/utf8"
)

// discordContentLimit is the maximum message length Discord accepts with
// headroom for formatting.
const discordContentLimit = 1800

// Mailer delivers email. The default implementation is an in-memory
// placeholder until a real SMTP sender lands.
type Mailer interface {
	Send(to, subject, body string) error
}

// Mail is one captured message.
type Mail struct {
	To      string
	Subject string
	Body    string
}

// MemoryMailer records messages instead of sending them.
type MemoryMailer struct {
	mu   sync.Mutex
	sent []Mail
}

func (m *MemoryMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Mail{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MemoryMailer) Sent() []Mail {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Mail, len(m.sent))
	copy(out, m.sent)
	return out
}

// postDiscord POSTs {content} to a webhook, truncating to the Discord limit.
func postDiscord(ctx context.Context, client *http.Client, webhook, content string) error {
	payload, err := json.Marshal(map[string]string{
		"content": truncate(content, discordContentLimit),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
