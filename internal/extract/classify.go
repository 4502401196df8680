package extract

import (
	"net/url"
	"strings"
)

// Content types produced by classification. Stored on the session record and
// used to pick the extraction strategy and the preferred prompt.
const (
	TypeYouTube      = "youtube"
	TypeReddit       = "reddit"
	TypePDF          = "pdf"
	TypeGeneral      = "general"
	TypeSelectedText = "selectedText"
)

// ClassifyURL maps a page URL to a content type. A non-empty text selection
// overrides the URL entirely.
func ClassifyURL(rawURL, selectedText string) string {
	if strings.TrimSpace(selectedText) != "" {
		return TypeSelectedText
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return TypeGeneral
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtube.com" || host == "m.youtube.com" || host == "youtu.be":
		return TypeYouTube
	case host == "reddit.com" || host == "old.reddit.com" || strings.HasSuffix(host, ".reddit.com"):
		return TypeReddit
	case strings.HasSuffix(strings.ToLower(u.Path), ".pdf"):
		return TypePDF
	default:
		return TypeGeneral
	}
}
