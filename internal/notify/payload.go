package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JuyeonYu/readit/internal/db"
)

// WebhookKind is the payload dialect of a webhook endpoint.
type WebhookKind string

const (
	KindGeneric  WebhookKind = "generic"
	KindDiscord  WebhookKind = "discord"
	KindSlack    WebhookKind = "slack"
	KindTeams    WebhookKind = "teams"
	KindTelegram WebhookKind = "telegram"
)

const (
	eventMessageRead = "message.read"
	brandName        = "Readit"
	openedTitle      = "Message Opened"
	createdLayout    = "2006-01-02 15:04"
	discordGreen     = 5025616
	teamsGreen       = "4CA154"
)

// DetectWebhookKind picks the payload dialect from the endpoint URL.
func DetectWebhookKind(url string) WebhookKind {
	switch {
	case strings.Contains(url, "discord.com/api/webhooks"),
		strings.Contains(url, "discordapp.com/api/webhooks"):
		return KindDiscord
	case strings.Contains(url, "hooks.slack.com/services"):
		return KindSlack
	case strings.Contains(url, "webhook.office.com"),
		strings.Contains(url, "outlook.office.com/webhook"):
		return KindTeams
	case strings.Contains(url, "api.telegram.org/bot"):
		return KindTelegram
	default:
		return KindGeneric
	}
}

// WebhookChannel is the notification channel recorded for an endpoint.
func WebhookChannel(kind WebhookKind) string {
	if kind == KindSlack {
		return db.ChannelSlack
	}
	return db.ChannelWebhook
}

// PayloadInput is the message snapshot rendered into notifications.
type PayloadInput struct {
	Token     string
	Title     string
	ReadCount int
	CreatedAt time.Time
	ShareURL  string
	Now       time.Time
}

// BuildWebhookPayload renders in for the given dialect.
func BuildWebhookPayload(kind WebhookKind, in PayloadInput) (json.RawMessage, error) {
	var payload any
	switch kind {
	case KindDiscord:
		payload = discordPayload(in)
	case KindSlack:
		payload = slackPayload(in)
	case KindTeams:
		payload = teamsPayload(in)
	case KindTelegram:
		payload = telegramPayload(in)
	default:
		payload = genericPayload(in)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return body, nil
}

func created(in PayloadInput) string {
	return in.CreatedAt.UTC().Format(createdLayout)
}

type genericEnvelope struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Data      genericData `json:"data"`
}

type genericData struct {
	MessageID string `json:"message_id"`
	Title     string `json:"title"`
	ReadCount int    `json:"read_count"`
	CreatedAt string `json:"created_at"`
	URL       string `json:"url"`
}

func genericPayload(in PayloadInput) genericEnvelope {
	return genericEnvelope{
		Event:     eventMessageRead,
		Timestamp: in.Now.UTC().Format(time.RFC3339),
		Data: genericData{
			MessageID: in.Token,
			Title:     in.Title,
			ReadCount: in.ReadCount,
			CreatedAt: in.CreatedAt.UTC().Format(time.RFC3339),
			URL:       in.ShareURL,
		},
	}
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	URL         string         `json:"url"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
	Timestamp string `json:"timestamp"`
}

func discordPayload(in PayloadInput) map[string][]discordEmbed {
	embed := discordEmbed{
		Title:       openedTitle,
		Description: fmt.Sprintf("Your message \"**%s**\" was just read!", in.Title),
		Color:       discordGreen,
		Fields: []discordField{
			{Name: "Total Opens", Value: strconv.Itoa(in.ReadCount), Inline: true},
			{Name: "Created", Value: created(in), Inline: true},
		},
		URL:       in.ShareURL,
		Timestamp: in.Now.UTC().Format(time.RFC3339),
	}
	embed.Footer.Text = brandName
	return map[string][]discordEmbed{"embeds": {embed}}
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type     string         `json:"type"`
	Text     *slackText     `json:"text,omitempty"`
	Fields   []slackText    `json:"fields,omitempty"`
	Elements []slackElement `json:"elements,omitempty"`
}

// slackElement text is a nested text object for buttons and a plain string
// for context elements.
type slackElement struct {
	Type  string `json:"type"`
	Text  any    `json:"text"`
	URL   string `json:"url,omitempty"`
	Emoji bool   `json:"emoji,omitempty"`
}

func slackPayload(in PayloadInput) map[string][]slackBlock {
	return map[string][]slackBlock{"blocks": {
		{Type: "header", Text: &slackText{Type: "plain_text", Text: openedTitle, Emoji: true}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("Your message *%s* was just read!", in.Title)}},
		{Type: "section", Fields: []slackText{
			{Type: "mrkdwn", Text: fmt.Sprintf("*Total Opens:*\n%d", in.ReadCount)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Created:*\n%s", created(in))},
		}},
		{Type: "actions", Elements: []slackElement{
			{Type: "button", Text: slackText{Type: "plain_text", Text: "View Details", Emoji: true}, URL: in.ShareURL},
		}},
		{Type: "context", Elements: []slackElement{
			{Type: "plain_text", Text: brandName, Emoji: true},
		}},
	}}
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type teamsSection struct {
	ActivityTitle    string      `json:"activityTitle"`
	ActivitySubtitle string      `json:"activitySubtitle"`
	Facts            []teamsFact `json:"facts"`
	Markdown         bool        `json:"markdown"`
}

type teamsTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

type teamsAction struct {
	Type    string        `json:"@type"`
	Name    string        `json:"name"`
	Targets []teamsTarget `json:"targets"`
}

type teamsCard struct {
	Type            string         `json:"@type"`
	Context         string         `json:"@context"`
	ThemeColor      string         `json:"themeColor"`
	Summary         string         `json:"summary"`
	Sections        []teamsSection `json:"sections"`
	PotentialAction []teamsAction  `json:"potentialAction"`
}

func teamsPayload(in PayloadInput) teamsCard {
	return teamsCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: teamsGreen,
		Summary:    openedTitle,
		Sections: []teamsSection{{
			ActivityTitle:    openedTitle,
			ActivitySubtitle: brandName + " Notification",
			Facts: []teamsFact{
				{Name: "Message", Value: in.Title},
				{Name: "Total Opens", Value: strconv.Itoa(in.ReadCount)},
				{Name: "Created", Value: created(in)},
			},
			Markdown: true,
		}},
		PotentialAction: []teamsAction{{
			Type:    "OpenUri",
			Name:    "View Details",
			Targets: []teamsTarget{{OS: "default", URI: in.ShareURL}},
		}},
	}
}

type telegramMessage struct {
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func telegramPayload(in PayloadInput) telegramMessage {
	text := fmt.Sprintf(
		"📬 *%s*\n\nYour message \"*%s*\" was just read\\!\n\n📊 Total Opens: %d\n📅 Created: %s\n\n[View Details](%s)",
		escapeMarkdownV2(openedTitle),
		escapeMarkdownV2(in.Title),
		in.ReadCount,
		escapeMarkdownV2(created(in)),
		escapeMarkdownV2URL(in.ShareURL),
	)
	return telegramMessage{Text: text, ParseMode: "MarkdownV2"}
}

var markdownV2Replacer = strings.NewReplacer(
	`\`, `\\`, "_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`, "=", `\=`,
	"|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

func escapeMarkdownV2(s string) string {
	return markdownV2Replacer.Replace(s)
}

// Inside a link target only ')' and '\' are special.
func escapeMarkdownV2URL(s string) string {
	return strings.NewReplacer(`\`, `\\`, ")", `\)`).Replace(s)
}

// Email is the rendered read notification email.
type Email struct {
	Subject string
	Body    string
}

// BuildEmail renders the owner's read notification.
func BuildEmail(in PayloadInput) Email {
	var b strings.Builder
	fmt.Fprintf(&b, "Your message %q was just opened.\n\n", in.Title)
	fmt.Fprintf(&b, "Total opens: %d\n", in.ReadCount)
	fmt.Fprintf(&b, "Created: %s UTC\n\n", created(in))
	fmt.Fprintf(&b, "View details: %s\n", in.ShareURL)
	return Email{
		Subject: fmt.Sprintf("%s - Opened by recipient", in.Title),
		Body:    b.String(),
	}
}
