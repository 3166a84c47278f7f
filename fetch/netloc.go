package fetch

import (
	"net/url"
	"strings"
)

// Netloc extracts the network location of a URL: host (with port, if
// any), lowercased, with a leading "www." removed. Schemeless input is
// treated as https. Malformed input yields "".
func Netloc(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	return strings.TrimPrefix(host, "www.")
}
