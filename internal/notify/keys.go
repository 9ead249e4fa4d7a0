package notify

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JuyeonYu/readit/internal/db"
)

// Slack and other webhook URLs share one key namespace so an owner
// switching endpoints does not re-notify the same viewer.
const keyWebhook = "webhook"

// IdempotencyKey derives the unique key of a notification.
func IdempotencyKey(messageID uuid.UUID, viewerHash, channel string) string {
	return fmt.Sprintf("%s:message:%s:viewer:%s", keyNamespace(channel), messageID, viewerHash)
}

func keyNamespace(channel string) string {
	switch channel {
	case db.ChannelSlack, db.ChannelWebhook:
		return keyWebhook
	default:
		return channel
	}
}
