// Package capture records the packets crossing the tunnel to pcapng files and
// reads them back.
package capture

import (
	"fmt"
	"strings"
)

// BuildSectionComment returns a comment string for the pcapng section header.
func BuildSectionComment(version, sessionID, mode string, blocklists []string) (comment string) {
	var sb strings.Builder

	if version != "" {
		fmt.Fprintf(&sb, "tunfilter %s | session %s\n", version, sessionID)
	} else {
		fmt.Fprintf(&sb, "tunfilter | session %s\n", sessionID)
	}

	fmt.Fprintf(&sb, "mode: %s\n", mode)
	if len(blocklists) > 0 {
		fmt.Fprintf(&sb, "blocklists: %s\n", strings.Join(blocklists, ", "))
	}

	return sb.String()
}

// formatSize returns a human-readable file size string.
func formatSize(bytes int64) (s string) {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
