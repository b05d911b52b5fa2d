package tabs

import (
	"net/url"
	"strings"
)

// restrictedSchemes are navigable schemes the debugger may never attach to.
var restrictedSchemes = map[string]struct{}{
	"chrome":           {},
	"chrome-extension": {},
	"chrome-search":    {},
	"chrome-untrusted": {},
	"devtools":         {},
	"edge":             {},
	"about":            {},
	"view-source":      {},
	"data":             {},
}

// restrictedHosts are extension-store pages that reject attachment even on
// https URLs.
var restrictedHosts = []string{
	"chromewebstore.google.com",
	"chrome.google.com",
	"microsoftedge.microsoft.com",
	"addons.mozilla.org",
}

// IsRestricted reports whether a URL is ineligible for debugger attachment.
// Unparseable and empty URLs are treated as restricted; a tab mid-navigation
// is not a safe attach target.
func IsRestricted(rawURL string) bool {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	scheme := strings.ToLower(parsed.Scheme)
	if _, bad := restrictedSchemes[scheme]; bad {
		return true
	}
	host := strings.ToLower(parsed.Hostname())
	for _, blocked := range restrictedHosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}
