// Package commands is a stateless chat responder (help/ping/time/echo). It
// shares no state with the request-coalescing core; the gateway consults it
// before handing a message to the orchestrator.
package commands

import (
	"strings"
	"time"
)

const helpText = "Available commands:\n" +
	"help - Show this message\n" +
	"ping - Check if bot is alive\n" +
	"time - Get current time\n" +
	"echo <message> - Repeat your message"

// Respond answers text when it is a known command. ok is false when the
// message is not a command and should flow to the next handler.
func Respond(text string, now func() time.Time) (string, bool) {
	if rest, found := strings.CutPrefix(text, "echo "); found {
		return rest, true
	}
	switch text {
	case "help":
		return helpText, true
	case "ping":
		return "Pong!", true
	case "time":
		return now().Format(time.RFC1123), true
	}
	return "", false
}
