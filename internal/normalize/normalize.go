// Package normalize cleans up email bodies and address lists before
// persistence: HTML to plain text, link harvesting, and recipient
// normalization to bare sorted addresses.
package normalize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	urlRegex        = regexp.MustCompile(`https?://[^\s<>"]+`)
	addressRegex    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	whitespaceRegex = regexp.MustCompile(`[^\S\n]+`)
	newlineRegex    = regexp.MustCompile(`\n{3,}`)
	tagRegex        = regexp.MustCompile(`<[^>]+>`)
	spaceRegex      = regexp.MustCompile(`\s+`)
)

// Links returns the deduplicated, sorted set of http(s) URLs found in the
// plain-text and HTML bodies.
func Links(text, html string) []string {
	seen := make(map[string]struct{})
	for _, blob := range []string{text, html} {
		for _, match := range urlRegex.FindAllString(blob, -1) {
			seen[match] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	links := make([]string, 0, len(seen))
	for link := range seen {
		links = append(links, link)
	}
	sort.Strings(links)
	return links
}

// Addresses extracts the deduplicated, sorted email addresses from a raw
// address-list string ("Alice <alice@x.com>; bob@y.org").
func Addresses(value string) []string {
	return AddressList([]string{value})
}

// AddressList extracts the deduplicated, sorted email addresses from a list
// of raw address strings.
func AddressList(values []string) []string {
	seen := make(map[string]struct{})
	for _, value := range values {
		for _, match := range addressRegex.FindAllString(value, -1) {
			seen[match] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// FirstAddress returns the first email address found in value, or "".
func FirstAddress(value string) string {
	return addressRegex.FindString(value)
}

// HTMLToText converts an HTML body to clean plain text: scripts and styles
// dropped, block elements separated by newlines, whitespace collapsed. Falls
// back to tag stripping if the document does not parse.
func HTMLToText(html string) string {
	if html == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return StripTags(html)
	}

	doc.Find("script, style, head, meta, link").Remove()

	// Newlines before block elements so runs of text stay separated.
	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := doc.Text()
	text = whitespaceRegex.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	text = strings.Join(clean, "\n")
	text = newlineRegex.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

// StripTags removes markup with a regex pass, the fallback for HTML that
// goquery refuses to parse.
func StripTags(html string) string {
	text := tagRegex.ReplaceAllString(html, " ")
	text = spaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
