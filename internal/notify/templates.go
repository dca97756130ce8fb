package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/mewayz/fabric/pkg/models"
)

const emailLayout = `<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
  <div style="background: #f8f9fa; padding: 20px; border-radius: 8px;">
    <h2 style="color: #333; margin-bottom: 16px;">{{.Title}}</h2>
    <p style="color: #666; line-height: 1.6;">{{.Message}}</p>
    {{- if .ActionURL}}
    <div style="margin: 24px 0;">
      <a href="{{.ActionURL}}" style="background: #007bff; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px; display: inline-block;">{{.ActionText}}</a>
    </div>
    {{- end}}
    <div style="margin-top: 24px; padding-top: 16px; border-top: 1px solid #e9ecef;">
      <p style="color: #999; font-size: 12px;">
        Sent by {{.Brand}}
        {{- if .PreferencesURL}} | <a href="{{.PreferencesURL}}" style="color: #999;">Notification Preferences</a>{{end}}
      </p>
    </div>
  </div>
</div>
`

// maxSMSRunes keeps texts within three concatenated segments.
const maxSMSRunes = 459

// Renderer formats notifications for email and sms.
type Renderer struct {
	brand  string
	appURL string
	email  *template.Template
}

// NewRenderer builds a renderer. appURL, when set, is used for the
// preferences link in emails.
func NewRenderer(brand, appURL string) *Renderer {
	if strings.TrimSpace(brand) == "" {
		brand = "Mewayz"
	}
	return &Renderer{
		brand:  brand,
		appURL: strings.TrimRight(appURL, "/"),
		email:  template.Must(template.New("email").Parse(emailLayout)),
	}
}

type emailData struct {
	Title          string
	Message        string
	ActionURL      string
	ActionText     string
	Brand          string
	PreferencesURL string
}

// Email renders the HTML body for n. Values are escaped by html/template.
func (r *Renderer) Email(n *models.Notification) (string, error) {
	data := emailData{
		Title:      n.Title,
		Message:    n.Message,
		ActionURL:  payloadString(n.Payload, "actionUrl"),
		ActionText: payloadString(n.Payload, "actionText"),
		Brand:      r.brand,
	}
	if data.ActionText == "" {
		data.ActionText = "View Details"
	}
	if r.appURL != "" {
		data.PreferencesURL = r.appURL + "/settings/notifications"
	}
	var buf bytes.Buffer
	if err := r.email.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}

// EmailText renders the plain-text alternative.
func (r *Renderer) EmailText(n *models.Notification) string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString("\n\n")
	b.WriteString(n.Message)
	if url := payloadString(n.Payload, "actionUrl"); url != "" {
		b.WriteString("\n\n")
		b.WriteString(url)
	}
	return b.String()
}

// SMS renders the text message body.
func (r *Renderer) SMS(n *models.Notification) string {
	text := r.brand + ": " + n.Title
	if n.Message != "" {
		text += " - " + n.Message
	}
	if utf8.RuneCountInString(text) <= maxSMSRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxSMSRunes-1]) + "…"
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// pushData flattens the notification into the string map push services expect.
func pushData(n *models.Notification) map[string]string {
	data := map[string]string{
		"notificationId": n.ID,
		"type":           string(n.Type),
		"priority":       string(n.Priority),
	}
	for key, value := range n.Payload {
		if _, reserved := data[key]; reserved {
			continue
		}
		switch v := value.(type) {
		case string:
			data[key] = v
		case nil:
		default:
			data[key] = fmt.Sprint(v)
		}
	}
	return data
}
