package bot

import (
	"fmt"
	"strings"

	"feedrelay/internal/model"
)

// FormatSubscriptionList formats a chat's subscriptions for display.
func FormatSubscriptionList(subs []model.Subscription) string {
	if len(subs) == 0 {
		return "You have not subscribed to any feeds yet. Use /addfeed to add one."
	}

	var b strings.Builder
	b.WriteString("You have subscribed to these feeds:\n")
	for _, sub := range subs {
		fmt.Fprintf(&b, "\n*%s*", sub.Title)
		if len(sub.Keywords) > 0 {
			fmt.Fprintf(&b, " (keywords: %s)", strings.Join(sub.Keywords, ", "))
		}
	}
	return b.String()
}
