package collab

import (
	"fmt"
	"net/url"
	"strings"
)

// ShareLink builds the join link handed out for a session.
func ShareLink(baseURL, sessionID, shareCode string) string {
	q := url.Values{"code": {shareCode}}
	return fmt.Sprintf("%s/join/%s?%s", strings.TrimRight(baseURL, "/"), url.PathEscape(sessionID), q.Encode())
}

// ParseShareLink extracts the session ID and share code from a join link.
func ParseShareLink(link string) (sessionID, shareCode string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", fmt.Errorf("invalid share link: %w", err)
	}
	path := strings.TrimRight(u.Path, "/")
	i := strings.LastIndex(path, "/join/")
	if i < 0 {
		return "", "", fmt.Errorf("invalid share link %q: missing /join/", link)
	}
	sessionID, err = url.PathUnescape(path[i+len("/join/"):])
	if err != nil || sessionID == "" || strings.Contains(sessionID, "/") {
		return "", "", fmt.Errorf("invalid share link %q: bad session id", link)
	}
	shareCode = NormalizeShareCode(u.Query().Get("code"))
	if !ValidShareCode(shareCode) {
		return "", "", ErrInvalidShareCode
	}
	return sessionID, shareCode, nil
}
