package notifier

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

//go:embed templates/*
var templateFS embed.FS

const timeLayout = "2006-01-02 15:04:05 MST"

// Message is the channel-neutral rendering of an alert event.
type Message struct {
	EventID    string
	RuleID     string
	RuleName   string
	Severity   models.Severity
	Status     models.AlertStatus
	NodeID     string
	Text       string
	Details    []Detail
	FiredAt    time.Time
	ResolvedAt *time.Time
}

// Detail is one key/value line of an event's details.
type Detail struct {
	Key   string
	Value string
}

// NewMessage builds the message for event.
func NewMessage(event *models.AlertEvent) Message {
	msg := Message{
		EventID:    event.ID,
		RuleID:     event.RuleID,
		RuleName:   event.RuleName,
		Severity:   event.Severity,
		Status:     event.Status,
		NodeID:     event.NodeID,
		Text:       event.Message,
		FiredAt:    event.FiredAt,
		ResolvedAt: event.ResolvedAt,
	}
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg.Details = append(msg.Details, Detail{Key: k, Value: formatDetail(event.Details[k])})
	}
	return msg
}

// Resolved reports whether the message announces a resolution.
func (m Message) Resolved() bool {
	return m.Status == models.AlertResolved
}

// Scope returns the node the alert concerns, or "fleet".
func (m Message) Scope() string {
	if m.NodeID == "" {
		return "fleet"
	}
	return m.NodeID
}

// Title returns a one-line summary.
func (m Message) Title() string {
	if m.Resolved() {
		return fmt.Sprintf("[RESOLVED] %s on %s", m.RuleName, m.Scope())
	}
	return fmt.Sprintf("[%s] %s on %s", strings.ToUpper(string(m.Severity)), m.RuleName, m.Scope())
}

func formatDetail(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.4g", x)
	default:
		return fmt.Sprint(v)
	}
}

// Templates holds the parsed email templates.
type Templates struct {
	html  *template.Template
	plain *template.Template
}

// TemplateData is what the email templates render.
type TemplateData struct {
	Title         string
	RuleName      string
	Severity      string
	SeverityColor string
	Status        string
	Scope         string
	Message       string
	FiredAt       string
	ResolvedAt    string
	Details       []Detail
}

// LoadTemplates parses the embedded email templates.
func LoadTemplates() (*Templates, error) {
	funcs := template.FuncMap{
		"upper": strings.ToUpper,
	}

	htmlTmpl, err := template.New("alert.html").Funcs(funcs).ParseFS(templateFS, "templates/alert.html")
	if err != nil {
		return nil, err
	}

	plainTmpl, err := template.New("alert.txt").Funcs(funcs).ParseFS(templateFS, "templates/alert.txt")
	if err != nil {
		return nil, err
	}

	return &Templates{
		html:  htmlTmpl,
		plain: plainTmpl,
	}, nil
}

// RenderHTML renders the HTML email body.
func (t *Templates) RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.html.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderPlain renders the plain text email body.
func (t *Templates) RenderPlain(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.plain.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#d32f2f"
	case models.SeverityHigh:
		return "#f57c00"
	case models.SeverityMedium:
		return "#fbc02d"
	case models.SeverityLow:
		return "#388e3c"
	default:
		return "#757575"
	}
}

// MessageToTemplateData converts a message to template data.
func MessageToTemplateData(m Message) TemplateData {
	data := TemplateData{
		Title:         m.Title(),
		RuleName:      m.RuleName,
		Severity:      string(m.Severity),
		SeverityColor: severityColor(m.Severity),
		Status:        string(m.Status),
		Scope:         m.Scope(),
		Message:       m.Text,
		FiredAt:       m.FiredAt.Format(timeLayout),
		Details:       m.Details,
	}
	if m.ResolvedAt != nil {
		data.ResolvedAt = m.ResolvedAt.Format(timeLayout)
		data.SeverityColor = "#388e3c"
	}
	return data
}
