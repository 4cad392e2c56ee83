package telegram

import (
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var linkCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ErrBadLinkCode is returned for a /start argument that cannot be a link code.
var ErrBadLinkCode = errors.New("invalid link code")

// NewLinkCode returns a fresh one-time code usable as a Telegram deep-link
// start parameter.
func NewLinkCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DeepLink returns the t.me link that opens the bot with code.
func DeepLink(botUsername, code string) string {
	if botUsername == "" {
		return ""
	}
	return "https://t.me/" + botUsername + "?start=" + code
}

// ParseLinkCode extracts the link code from /start arguments.
func ParseLinkCode(args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 1 || !linkCodeRe.MatchString(fields[0]) {
		return "", ErrBadLinkCode
	}
	return fields[0], nil
}
