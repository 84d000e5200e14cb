package source

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"catalog-ingest-service/internal/domain"
)

// HTMLParser reads rendered item pages. It prefers a JSON document embedded
// in a <script type="application/json"> or ld+json tag, then a JSON document
// shown as plain text (a browser rendering a JSON endpoint wraps it in
// <pre>), and finally the page's Open Graph tags.
type HTMLParser struct{}

func (HTMLParser) Parse(payload []byte) (*domain.NormalizedRecord, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}
	if payload[0] == '{' {
		return JSONParser{}.Parse(payload)
	}
	doc, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("source: item page: %w", err)
	}

	var (
		scripts []string
		pre     string
		meta    = map[string]string{}
		title   string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script:
				if t := strings.ToLower(attr(n, "type")); t == "application/json" || t == "application/ld+json" {
					scripts = append(scripts, text(n))
				}
			case atom.Pre:
				if pre == "" {
					pre = text(n)
				}
			case atom.Meta:
				key := attr(n, "property")
				if key == "" {
					key = attr(n, "name")
				}
				if key != "" {
					meta[strings.ToLower(key)] = strings.TrimSpace(attr(n, "content"))
				}
			case atom.Title:
				if title == "" {
					title = strings.TrimSpace(text(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, s := range append(scripts, pre) {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "{") {
			continue
		}
		if rec, err := (JSONParser{}).Parse([]byte(s)); err == nil && rec != nil {
			return rec, nil
		}
	}

	rec := &domain.NormalizedRecord{
		ExternalID:   meta["product:retailer_item_id"],
		Title:        firstNonEmpty(meta["og:title"], title),
		URL:          meta["og:url"],
		ThumbnailURL: nonEmpty(meta["og:image"]),
		Description:  nonEmpty(firstNonEmpty(meta["og:description"], meta["description"])),
	}
	if img := meta["og:image"]; img != "" {
		rec.Images = []string{img}
	}
	return usable(rec), nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func text(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
