package templates

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// DefaultOTPTemplate is the verification message sent for otp_requests rows.
// Asterisks render as bold in WhatsApp.
const DefaultOTPTemplate = "*Kargo Takip Dogrulama*\n\nDogrulama kodunuz: *{{.Code}}*\n\nBu kodu {{.ValidMinutes}} dakika icinde girin."

// OTPData feeds DefaultOTPTemplate and custom overrides.
type OTPData struct {
	Code         string
	ValidMinutes int
}

// Renderer renders small text templates for outbound messaging. Parsed
// templates are cached by name and text.
type Renderer struct {
	mu     sync.Mutex
	parsed map[string]*template.Template
}

// Render compiles the provided template text with strict missing-key semantics.
func (r *Renderer) Render(name, tmpl string, data any) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return "", fmt.Errorf("templates: template text required")
	}
	t, err := r.lookup(name, tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute: %w", err)
	}
	return buf.String(), nil
}

// RenderOTP renders a verification message, falling back to the default text.
func (r *Renderer) RenderOTP(tmpl string, data OTPData) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultOTPTemplate
	}
	if data.ValidMinutes <= 0 {
		data.ValidMinutes = 5
	}
	return r.Render("otp", tmpl, data)
}

func (r *Renderer) lookup(name, tmpl string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := name + "\x00" + tmpl
	if t, ok := r.parsed[key]; ok {
		return t, nil
	}
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("templates: parse: %w", err)
	}
	if r.parsed == nil {
		r.parsed = make(map[string]*template.Template)
	}
	r.parsed[key] = t
	return t, nil
}
