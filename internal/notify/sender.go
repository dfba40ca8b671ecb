package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/0x6d61/autoar/internal/scan"
	"github.com/0x6d61/autoar/internal/transport"
)

// Kind selects the payload format of an endpoint.
type Kind string

const (
	KindWebhook Kind = "webhook"
	KindDiscord Kind = "discord"
	KindSlack   Kind = "slack"
)

// Endpoint is a notification destination.
type Endpoint struct {
	Kind Kind
	URL  string
}

// DetectKind infers the payload format from a webhook URL.
func DetectKind(rawURL string) Kind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindWebhook
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case (host == "discord.com" || host == "discordapp.com" || strings.HasSuffix(host, ".discord.com")) &&
		strings.HasPrefix(u.Path, "/api/webhooks/"):
		return KindDiscord
	case host == "hooks.slack.com":
		return KindSlack
	default:
		return KindWebhook
	}
}

// Sender performs a single delivery attempt.
type Sender interface {
	Send(ctx context.Context, ep Endpoint, ev Event) error
}

// WebhookSender posts JSON payloads shaped for each endpoint kind. Non-2xx
// replies are errors.
type WebhookSender struct {
	client transport.Client
}

var _ Sender = (*WebhookSender)(nil)

func NewWebhookSender(client transport.Client) *WebhookSender {
	return &WebhookSender{client: client}
}

func (s *WebhookSender) Send(ctx context.Context, ep Endpoint, ev Event) error {
	_, err := transport.SendJSON(ctx, s.client, http.MethodPost, ep.URL, Payload(ep.Kind, ev), nil)
	return err
}

// Payload returns the JSON body for ev in the format of kind.
func Payload(kind Kind, ev Event) any {
	switch kind {
	case KindDiscord:
		return discordPayload(ev)
	case KindSlack:
		return slackPayload(ev)
	default:
		return genericPayload(ev)
	}
}

// Discord message types for JSON serialization.

type discordMessage struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func discordPayload(ev Event) discordMessage {
	fields := []discordField{
		{Name: "Target", Value: ev.Target.String(), Inline: true},
		{Name: "State", Value: ev.State.String(), Inline: true},
		{Name: "Duration", Value: ev.Duration().Round(time.Second).String(), Inline: true},
	}
	if ev.Error != "" {
		fields = append(fields, discordField{Name: "Error", Value: ev.Error})
	}
	embed := discordEmbed{
		Title:  "autoar scan " + ev.State.String(),
		Color:  stateColor(ev.State),
		Fields: fields,
	}
	if len(ev.Tail) > 0 {
		embed.Description = "```\n" + strings.Join(ev.Tail, "\n") + "\n```"
	}
	if !ev.EndedAt.IsZero() {
		embed.Timestamp = ev.EndedAt.UTC().Format(time.RFC3339)
	}
	return discordMessage{
		Username: "autoar",
		Content:  ev.Summary,
		Embeds:   []discordEmbed{embed},
	}
}

// Slack message types for JSON serialization.

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func slackPayload(ev Event) slackMessage {
	fields := []slackField{
		{Title: "Target", Value: ev.Target.String(), Short: true},
		{Title: "State", Value: ev.State.String(), Short: true},
	}
	if ev.Error != "" {
		fields = append(fields, slackField{Title: "Error", Value: ev.Error})
	}
	return slackMessage{
		Text: ev.Summary,
		Attachments: []slackAttachment{{
			Color:  fmt.Sprintf("#%06x", stateColor(ev.State)),
			Fields: fields,
		}},
	}
}

type genericMessage struct {
	Event     string     `json:"event"`
	SessionID string     `json:"session_id"`
	Target    string     `json:"target"`
	State     scan.State `json:"state"`
	Summary   string     `json:"summary"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
	Error     string     `json:"error,omitempty"`
	Tail      []string   `json:"tail,omitempty"`
}

func genericPayload(ev Event) genericMessage {
	return genericMessage{
		Event:     "scan.finished",
		SessionID: ev.SessionID,
		Target:    ev.Target.String(),
		State:     ev.State,
		Summary:   ev.Summary,
		StartedAt: ev.StartedAt,
		EndedAt:   ev.EndedAt,
		Error:     ev.Error,
		Tail:      ev.Tail,
	}
}

func stateColor(s scan.State) int {
	switch s {
	case scan.StateCompleted:
		return 0x2ECC71
	case scan.StateFailed:
		return 0xE74C3C
	case scan.StateCancelled:
		return 0xF1C40F
	default:
		return 0x95A5A6
	}
}
