package notify

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testInput = PayloadInput{
	Token:     "tok_123",
	Title:     "Q3 plan",
	ReadCount: 4,
	CreatedAt: time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
	ShareURL:  "https://readit.example/messages/tok_123/share",
	Now:       time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC),
}

func TestDetectWebhookKind(t *testing.T) {
	tests := []struct {
		url  string
		want WebhookKind
	}{
		{"https://discord.com/api/webhooks/1/abc", KindDiscord},
		{"https://discordapp.com/api/webhooks/1/abc", KindDiscord},
		{"https://hooks.slack.com/services/T/B/X", KindSlack},
		{"https://acme.webhook.office.com/webhookb2/x", KindTeams},
		{"https://outlook.office.com/webhook/x", KindTeams},
		{"https://api.telegram.org/bot123:abc/sendMessage?chat_id=1", KindTelegram},
		{"https://example.com/hooks/readit", KindGeneric},
		{"https://discord.com/channels/1", KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := DetectWebhookKind(tt.url); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("payload is not a JSON object: %v", err)
	}
	return out
}

func TestBuildWebhookPayload_Discord(t *testing.T) {
	raw, err := BuildWebhookPayload(DetectWebhookKind("https://discord.com/api/webhooks/1/abc"), testInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"embeds":[{"title":"Message Opened","description":"Your message \"**Q3 plan**\" was just read!",` +
		`"color":5025616,"fields":[{"name":"Total Opens","value":"4","inline":true},` +
		`{"name":"Created","value":"2026-05-01 09:30","inline":true}],` +
		`"url":"https://readit.example/messages/tok_123/share","footer":{"text":"Readit"},` +
		`"timestamp":"2026-05-02T10:00:00Z"}]}`
	if string(raw) != want {
		t.Errorf("unexpected discord payload:\n got %s\nwant %s", raw, want)
	}
}

func TestBuildWebhookPayload_Slack(t *testing.T) {
	raw, err := BuildWebhookPayload(DetectWebhookKind("https://hooks.slack.com/services/T/B/X"), testInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := decode(t, raw)
	blocks, ok := payload["blocks"].([]any)
	if !ok {
		t.Fatalf("expected blocks array, got %v", payload)
	}

	var types []string
	for _, b := range blocks {
		types = append(types, b.(map[string]any)["type"].(string))
	}
	if got := strings.Join(types, ","); got != "header,section,section,actions,context" {
		t.Errorf("unexpected block types %s", got)
	}

	header := blocks[0].(map[string]any)["text"].(map[string]any)
	if header["type"] != "plain_text" || header["text"] != "Message Opened" {
		t.Errorf("unexpected header %v", header)
	}

	fields := blocks[2].(map[string]any)["fields"].([]any)
	if fields[0].(map[string]any)["text"] != "*Total Opens:*\n4" {
		t.Errorf("unexpected opens field %v", fields[0])
	}

	button := blocks[3].(map[string]any)["elements"].([]any)[0].(map[string]any)
	if button["type"] != "button" || button["url"] != testInput.ShareURL {
		t.Errorf("unexpected button %v", button)
	}

	contextEl := blocks[4].(map[string]any)["elements"].([]any)[0].(map[string]any)
	if contextEl["text"] != "Readit" {
		t.Errorf("unexpected context element %v", contextEl)
	}
}

func TestBuildWebhookPayload_Teams(t *testing.T) {
	raw, _ := BuildWebhookPayload(KindTeams, testInput)
	payload := decode(t, raw)

	if payload["@type"] != "MessageCard" || payload["themeColor"] != "4CA154" {
		t.Errorf("unexpected card header %v", payload)
	}
	action := payload["potentialAction"].([]any)[0].(map[string]any)
	if action["@type"] != "OpenUri" {
		t.Errorf("unexpected action %v", action)
	}
	target := action["targets"].([]any)[0].(map[string]any)
	if target["uri"] != testInput.ShareURL {
		t.Errorf("unexpected target %v", target)
	}
}

func TestBuildWebhookPayload_Telegram(t *testing.T) {
	in := testInput
	in.Title = "v1.2 (final)"
	raw, _ := BuildWebhookPayload(KindTelegram, in)
	payload := decode(t, raw)

	if payload["parse_mode"] != "MarkdownV2" {
		t.Errorf("expected MarkdownV2, got %v", payload["parse_mode"])
	}
	text := payload["text"].(string)
	if !strings.Contains(text, `"*v1\.2 \(final\)*"`) {
		t.Errorf("expected escaped title, got %s", text)
	}
	if !strings.Contains(text, `Created: 2026\-05\-01 09:30`) {
		t.Errorf("expected escaped date, got %s", text)
	}
	if !strings.Contains(text, "[View Details]("+testInput.ShareURL+")") {
		t.Errorf("expected details link, got %s", text)
	}
}

func TestBuildWebhookPayload_GenericFallback(t *testing.T) {
	raw, err := BuildWebhookPayload(DetectWebhookKind("https://example.com/hook"), testInput)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"event":"message.read","timestamp":"2026-05-02T10:00:00Z","data":{"message_id":"tok_123",` +
		`"title":"Q3 plan","read_count":4,"created_at":"2026-05-01T09:30:00Z",` +
		`"url":"https://readit.example/messages/tok_123/share"}}`
	if string(raw) != want {
		t.Errorf("unexpected generic payload:\n got %s\nwant %s", raw, want)
	}
}

func TestBuildEmail(t *testing.T) {
	email := BuildEmail(testInput)
	if email.Subject != "Q3 plan - Opened by recipient" {
		t.Errorf("unexpected subject %q", email.Subject)
	}
	if !strings.Contains(email.Body, "Total opens: 4") || !strings.Contains(email.Body, testInput.ShareURL) {
		t.Errorf("unexpected body %q", email.Body)
	}
}

func TestIdempotencyKey(t *testing.T) {
	id := uuid.MustParse("6f1c1c8e-4b7a-4f5e-9d55-0a4c5d6e7f80")

	tests := []struct {
		channel string
		want    string
	}{
		{"email", "email:message:6f1c1c8e-4b7a-4f5e-9d55-0a4c5d6e7f80:viewer:abc"},
		{"webhook", "webhook:message:6f1c1c8e-4b7a-4f5e-9d55-0a4c5d6e7f80:viewer:abc"},
		{"slack", "webhook:message:6f1c1c8e-4b7a-4f5e-9d55-0a4c5d6e7f80:viewer:abc"},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			if got := IdempotencyKey(id, "abc", tt.channel); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
