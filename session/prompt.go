package session

import (
	"fmt"
	"strings"

	"github.com/room4-2/voicetasks/tasks"
)

// ContextSnippet summarizes the task list for the session instructions
func ContextSnippet(list []tasks.Task) string {
	if len(list) == 0 {
		return "The user currently has no tasks."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The user currently has %d tasks. Here is a summary:", len(list))
	for _, t := range list {
		fmt.Fprintf(&b, "\n- [%s] %s (ID: %s, Priority: %s)", t.Status, t.Title, t.ID, t.Priority)
	}
	return b.String()
}
