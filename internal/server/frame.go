package server

import (
	"fmt"
	"strings"
)

// parseFrame turns "to1, to2:body" into a Message from the given peer.
// Lines without a ':' are not frames and are ignored by the caller.
func parseFrame(from, line string) (Message, bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return Message{}, false
	}

	dest := strings.Split(line[:idx], ",")
	for i := range dest {
		dest[i] = strings.TrimSpace(dest[i])
	}

	return Message{
		From: from,
		To:   dest,
		Body: strings.TrimSpace(line[idx+1:]),
	}, true
}

// formatDelivery renders the line written to each recipient.
func formatDelivery(from, body string) string {
	return fmt.Sprintf("from %s: %s\n", from, body)
}

// trimEOL strips one trailing "\n" or "\r\n".
func trimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
