package delivery

import (
	"fmt"

	"feedrelay/internal/filter"
	"feedrelay/internal/model"
)

// Placeholders used when a feed item lacks the corresponding field.
const (
	fallbackTitle       = "Untitled"
	fallbackDescription = "No description"
	fallbackLink        = "No link"
)

const maxDescriptionLen = 300

// Render formats a feed item as a notification message:
// title, tag-stripped description, then link with the subscription's
// display title.
func Render(item model.Item, subscriptionTitle string) string {
	title := item.Title
	if title == "" {
		title = fallbackTitle
	}

	description := filter.StripMarkup(item.Summary)
	if description == "" {
		description = fallbackDescription
	}
	if len(description) > maxDescriptionLen {
		description = description[:maxDescriptionLen] + "..."
	}

	link := item.Link
	if link == "" {
		link = fallbackLink
	}

	return fmt.Sprintf("*%s*\n\n%s\n\n%s (%s)", title, description, link, subscriptionTitle)
}
