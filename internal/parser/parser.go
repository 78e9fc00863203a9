// Package parser extracts page structure and metadata with goquery.
package parser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

// UntitledPage is used when a page has neither a <title> nor an <h1>.
const UntitledPage = "Untitled"

// Parser implements scrape.StructureParser and scrape.MetadataExtractor.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// ParseStructure extracts the title, absolute links, heading counts and
// image count. Links are resolved against baseURL and deduplicated in
// document order.
func (Parser) ParseStructure(html string, baseURL string) (scrape.Structure, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return scrape.Structure{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return scrape.Structure{}, fmt.Errorf("parse base url: %w", err)
	}

	out := scrape.Structure{
		Title:       title(doc),
		Links:       links(doc, base),
		ImagesCount: doc.Find("img").Length(),
	}
	doc.Find("h1,h2,h3,h4,h5,h6").Each(func(_ int, s *goquery.Selection) {
		switch strings.ToLower(goquery.NodeName(s)) {
		case "h1":
			out.Headings.H1++
		case "h2":
			out.Headings.H2++
		case "h3":
			out.Headings.H3++
		case "h4":
			out.Headings.H4++
		case "h5":
			out.Headings.H5++
		case "h6":
			out.Headings.H6++
		}
	})
	return out, nil
}

func title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if h := strings.TrimSpace(doc.Find("h1").First().Text()); h != "" {
		return h
	}
	return UntitledPage
}

func links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	out := []string{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// resolve returns the absolute form of href, or "" for fragments,
// javascript: pseudo-links and unparsable values.
func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// ExtractMetadata returns the description and keywords meta tags plus every
// Open Graph property.
func (Parser) ExtractMetadata(html string) (map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		content = strings.TrimSpace(content)
		if name, ok := s.Attr("name"); ok {
			switch key := strings.ToLower(strings.TrimSpace(name)); key {
			case "description", "keywords":
				meta[key] = content
			}
		}
		if property, ok := s.Attr("property"); ok {
			key := strings.TrimSpace(property)
			if strings.HasPrefix(strings.ToLower(key), "og:") {
				meta[key] = content
			}
		}
	})
	return meta, nil
}
