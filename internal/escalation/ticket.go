package escalation

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsmend/opsmend/internal/bugs"
)

// Ticket is the rendered issue-tracker payload for one escalated bug.
type Ticket struct {
	BugID  string   `json:"bug_id"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

// BuildTicket renders a bug into a markdown issue. env tags the ticket
// with the deployment it came from.
func BuildTicket(b *bugs.Bug, env string) Ticket {
	title := b.Title
	if title == "" {
		title = fmt.Sprintf("%s in %s", b.Category, b.ServiceName)
	}

	var sb strings.Builder
	sb.WriteString("## Bug Details\n\n")
	fmt.Fprintf(&sb, "**Bug ID:** `%s`\n", b.ID)
	fmt.Fprintf(&sb, "**Service:** %s\n", b.ServiceName)
	fmt.Fprintf(&sb, "**Category:** %s\n", b.Category)
	fmt.Fprintf(&sb, "**Confidence:** %.0f%%\n", b.Confidence*100)
	fmt.Fprintf(&sb, "**First Seen:** %s\n", b.FirstSeenAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Last Seen:** %s\n", b.LastSeenAt.UTC().Format(time.RFC3339))

	if b.Evidence != "" {
		sb.WriteString("\n## Evidence\n\n```\n")
		sb.WriteString(strings.TrimRight(b.Evidence, "\n"))
		sb.WriteString("\n```\n")
	}

	if b.RootCause != "" {
		sb.WriteString("\n## Root Cause\n\n")
		sb.WriteString(b.RootCause)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Healing Attempts\n\n")
	if len(b.Attempts) == 0 {
		sb.WriteString("No automated healing was attempted.\n")
	} else {
		sb.WriteString("| # | Action | Outcome | Auto-approved | Notes |\n")
		sb.WriteString("|---|--------|---------|---------------|-------|\n")
		for i, att := range b.Attempts {
			notes := att.Notes
			if notes == "" {
				notes = "-"
			}
			fmt.Fprintf(&sb, "| %d | %s | %s | %t | %s |\n",
				i+1, att.ActionType, att.Outcome, att.AutoApproved, notes)
		}
	}

	sb.WriteString("\n---\n*Opened automatically by opsmend.*\n")

	return Ticket{
		BugID:  b.ID.String(),
		Title:  title,
		Body:   sb.String(),
		Labels: buildLabels(b, env),
	}
}

func buildLabels(b *bugs.Bug, env string) []string {
	labels := []string{"bug", "automated", "category:" + string(b.Category), "service:" + b.ServiceName}
	if len(b.Attempts) > 0 {
		labels = append(labels, "healing-failed")
	}
	if env != "" {
		labels = append(labels, "env:"+env)
	}
	return labels
}
