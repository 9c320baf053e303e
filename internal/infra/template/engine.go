package template

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"guildbell/internal/domain/jobs"
)

var _ jobs.Renderer = (*Engine)(nil)

// defaults maps message kinds to their built-in content template.
var defaults = map[jobs.MessageKind]string{
	jobs.KindBirthday:  `🎂 Happy birthday {{.Mention}}!`,
	jobs.KindReminder:  `⏰ {{.Mention}} reminder: {{.Content}}`,
	jobs.KindPatchNote: `📜 New {{.Game}} patch notes: **{{.Title}}** {{.URL}}`,
	jobs.KindTwitch:    `🔴 **{{.Name}}** is live on Twitch{{with .Game}} playing {{.}}{{end}}: {{.Title}} {{.URL}}`,
	jobs.KindYouTube:   `▶️ **{{.Name}}** uploaded a new video: {{.Title}} {{.URL}}`,
	jobs.KindTikTok:    `🎵 **{{.Name}}** is live on TikTok: {{.Title}} {{.URL}}`,
}

// Engine renders Discord message content with text/template. Subscriptions
// may carry their own template, which uses the same fields as the default.
type Engine struct {
	builtin map[jobs.MessageKind]*template.Template

	mu     sync.RWMutex
	custom map[string]*template.Template
}

// NewEngine parses the built-in templates.
func NewEngine() (*Engine, error) {
	e := &Engine{
		builtin: make(map[jobs.MessageKind]*template.Template, len(defaults)),
		custom:  make(map[string]*template.Template),
	}
	for kind, text := range defaults {
		tmpl, err := parse(string(kind), text)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", kind, err)
		}
		e.builtin[kind] = tmpl
	}
	return e, nil
}

// Render executes the custom template when set, otherwise the built-in one
// for kind.
func (e *Engine) Render(kind jobs.MessageKind, custom string, data map[string]any) (string, error) {
	tmpl, err := e.lookup(kind, custom)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", kind, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (e *Engine) lookup(kind jobs.MessageKind, custom string) (*template.Template, error) {
	if strings.TrimSpace(custom) == "" {
		tmpl, ok := e.builtin[kind]
		if !ok {
			return nil, fmt.Errorf("no template registered for kind: %s", kind)
		}
		return tmpl, nil
	}

	e.mu.RLock()
	tmpl, ok := e.custom[custom]
	e.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := parse(string(kind)+"_custom", custom)
	if err != nil {
		return nil, fmt.Errorf("parsing custom %s template: %w", kind, err)
	}

	e.mu.Lock()
	e.custom[custom] = tmpl
	e.mu.Unlock()
	return tmpl, nil
}

// parse fails on unknown fields so a typo in a custom template surfaces as an
// error instead of "<no value>".
func parse(name, text string) (*template.Template, error) {
	return template.New(name).Option("missingkey=error").Parse(text)
}
