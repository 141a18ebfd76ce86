package parse

import (
	"regexp"
	"strings"
)

// TelegramBaseURL is the canonical prefix for every stored link
const TelegramBaseURL = "https://t.me/"

// TelegramLinkPattern matches t.me and telegram.me URLs and captures the path.
// The capture stops at the first character outside [\w/], so query strings
// and invite-hash punctuation are not part of the stored link.
var TelegramLinkPattern = regexp.MustCompile(`^https?://(?:www\.)?t(?:elegram)?\.me/([\w/]+)`)

// NormalizeTelegramLink turns an absolute URL into the canonical https://t.me/<path>
// form. ok is false for non-Telegram URLs and for web-preview (/s/) links.
func NormalizeTelegramLink(absURL string) (link string, ok bool) {
	m := TelegramLinkPattern.FindStringSubmatch(absURL)
	if m == nil {
		return "", false
	}
	path := strings.TrimRight(m[1], "/")
	if path == "" {
		return "", false
	}
	link = TelegramBaseURL + path
	if strings.Contains(link, "/s/") {
		return "", false
	}
	return link, true
}

// IsTelegramURL reports whether the URL points at t.me or telegram.me at all,
// including preview links that NormalizeTelegramLink rejects.
func IsTelegramURL(absURL string) bool {
	return TelegramLinkPattern.MatchString(absURL)
}
