package risk

import (
	"fmt"
	"strings"

	"github.com/lvonguyen/honeytrail/internal/event"
)

// Pattern tables for advisory attack indicators. These annotate events for
// analysts and are deliberately independent of the classifier score.
var (
	suspiciousActions = []string{"file_access", "ci_credentials_access", "git_push"}

	sensitiveFiles = []string{".env", "secrets.yml", "config.json", "credentials"}

	suspiciousKeywords = []string{"backdoor", "malicious", "exploit"}

	automatedTools = []string{"curl", "wget", "python-requests"}
)

// Indicators derives advisory attack indicators from an event via pattern
// checks against the action, target resource name, free-text payload values,
// and user-agent.
func Indicators(ev *event.Event) []string {
	var indicators []string

	for _, action := range suspiciousActions {
		if ev.Action == action {
			indicators = append(indicators, fmt.Sprintf("Suspicious action: %s", ev.Action))
			break
		}
	}

	if ev.TargetFile != "" {
		for _, name := range sensitiveFiles {
			if strings.Contains(ev.TargetFile, name) {
				indicators = append(indicators, fmt.Sprintf("Sensitive file access: %s", ev.TargetFile))
				break
			}
		}
	}

	for key, value := range ev.PayloadMap() {
		text, ok := value.(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(text)
		for _, word := range suspiciousKeywords {
			if strings.Contains(lower, word) {
				indicators = append(indicators, fmt.Sprintf("Suspicious payload field: %s", key))
				break
			}
		}
	}

	ua := strings.ToLower(ev.UserAgent)
	for _, tool := range automatedTools {
		if strings.Contains(ua, tool) {
			indicators = append(indicators, "Automated tool usage")
			break
		}
	}

	return indicators
}
