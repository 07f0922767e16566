package ranker

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

var (
	aboutKeywords   = []string{"about", "company", "corporate", "profile", "gaiyo"}
	contactKeywords = []string{"contact", "inquiry", "form", "ask"}
	// fallbackPaths are tried on the site root when the main page yields too little text.
	fallbackPaths = []string{
		"about", "company", "company/", "corporate", "profile", "gaiyo",
		"contact", "inquiry", "form", "ask",
	}
)

// NormalizeURL lowercases scheme and host, drops default ports and the
// fragment, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute http(s)", rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

// Candidates lists the pages to try for a target, most general first: the
// site root, the link itself and its parent directory. Duplicates are dropped.
func Candidates(link string) ([]string, error) {
	normalized, err := NormalizeURL(link)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(normalized)
	root := u.Scheme + "://" + u.Host + "/"

	out := []string{root}
	if normalized != root {
		out = append(out, normalized)
	}
	if parent := parentURL(u); parent != "" && parent != root && parent != normalized {
		out = append(out, parent)
	}
	return out, nil
}

// parentURL drops the last path segment, e.g. /a/b/c -> /a/b/.
func parentURL(u *url.URL) string {
	path := strings.TrimSuffix(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	parent := *u
	parent.Path = path[:idx+1]
	parent.RawPath = ""
	parent.RawQuery = ""
	parent.Fragment = ""
	return parent.String()
}

// rootOf returns scheme://host/ for link.
func rootOf(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}
	return u.Scheme + "://" + u.Host + "/"
}

// withFallbacks appends the fallback paths on root that are not linked yet.
func withFallbacks(links []Link, root string) []Link {
	base, err := url.Parse(root)
	if err != nil {
		return links
	}
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		seen[l.URL] = true
	}
	for _, p := range fallbackPaths {
		abs := base.ResolveReference(&url.URL{Path: p}).String()
		if !seen[abs] {
			seen[abs] = true
			links = append(links, Link{URL: abs})
		}
	}
	return links
}

// pickLink returns the first link whose path or anchor text contains a keyword.
// Links listed in skip are ignored.
func pickLink(links []Link, keywords []string, skip ...string) string {
	for _, l := range links {
		if slices.Contains(skip, l.URL) {
			continue
		}
		u, err := url.Parse(l.URL)
		if err != nil {
			continue
		}
		haystack := strings.ToLower(u.Path + " " + l.Text)
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				return l.URL
			}
		}
	}
	return ""
}
