package ranker

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// hiddenTags never contribute visible text.
var hiddenTags = strings.Join([]string{
	"script", "style", "noscript", "form", "svg", "canvas", "iframe",
	"button", "input", "select", "option", "link", "meta", "object",
	"embed", "video", "audio",
}, ",")

// Link is an anchor found on a page, resolved against the page URL.
type Link struct {
	URL  string
	Text string
}

// Extract parses html once and returns its visible text and the same-host links.
func Extract(pageURL, html string) (string, []Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil, fmt.Errorf("parse html: %w", err)
	}
	links := sameHostLinks(pageURL, doc)
	return visibleText(doc), links, nil
}

// VisibleText returns the whitespace-collapsed text a reader would see.
func VisibleText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	return visibleText(doc), nil
}

// visibleText mutates doc.
func visibleText(doc *goquery.Document) string {
	doc.Find(hiddenTags).Remove()
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		style = strings.ToLower(strings.Join(strings.Fields(style), ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			s.Remove()
		}
	})

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	var parts []string
	collectText(root, &parts)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func collectText(sel *goquery.Selection, parts *[]string) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "#text":
			if t := strings.TrimSpace(s.Text()); t != "" {
				*parts = append(*parts, t)
			}
		case "#comment":
		default:
			collectText(s, parts)
		}
	})
}

// sameHostLinks collects absolute http(s) links on the page's host from
// anchors, form actions and data-link/data-url attributes, in document order.
func sameHostLinks(pageURL string, doc *goquery.Document) []Link {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return nil
	}
	seen := make(map[string]bool)
	var links []Link
	add := func(ref, text string) {
		ref = strings.TrimSpace(ref)
		if ref == "" || strings.HasPrefix(ref, "#") {
			return
		}
		u, err := url.Parse(ref)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(u)
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}
		if !sameHost(resolved.Host, base.Host) {
			return
		}
		resolved.Fragment = ""
		abs := resolved.String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, Link{URL: abs, Text: strings.Join(strings.Fields(text), " ")})
	}

	doc.Find("a[href], form[action], [data-link], [data-url]").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"href", "action", "data-link", "data-url"} {
			if v, ok := s.Attr(attr); ok {
				add(v, s.Text())
			}
		}
	})
	return links
}

func sameHost(a, b string) bool {
	return strings.TrimPrefix(strings.ToLower(a), "www.") == strings.TrimPrefix(strings.ToLower(b), "www.")
}
