package linkrel

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// Source records where a link relation was found
type Source string

const (
	SourceNone    Source = ""
	SourceHTTP    Source = "http"
	SourceHTML    Source = "html"
	SourceDefault Source = "default"
)

// Rels maps a relation name to its target URLs in document order
type Rels map[string][]string

// Parse reads every Link header of a response. A link with several
// space separated relations is recorded under each of them.
func Parse(h http.Header) Rels {
	rels := Rels{}
	for _, header := range h.Values("Link") {
		for _, link := range splitLinks(header) {
			target, params, ok := parseLink(link)
			if !ok {
				continue
			}
			for _, rel := range strings.Fields(params["rel"]) {
				rel = strings.ToLower(rel)
				rels[rel] = append(rels[rel], target)
			}
		}
	}
	for rel, targets := range rels {
		rels[rel] = lo.Uniq(targets)
	}
	return rels
}

// First returns the first target of a relation
func (r Rels) First(name string) (string, bool) {
	targets := r[name]
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}

// Absolute resolves relative targets against base
func (r Rels) Absolute(base string) Rels {
	baseURL, err := url.Parse(base)
	if err != nil {
		return r
	}
	out := make(Rels, len(r))
	for rel, targets := range r {
		out[rel] = lo.Map(targets, func(target string, _ int) string {
			u, err := url.Parse(target)
			if err != nil {
				return target
			}
			return baseURL.ResolveReference(u).String()
		})
	}
	return out
}

// Resolve picks a relation, preferring the HTTP headers over the document body
func Resolve(header, doc Rels, name string) (string, Source) {
	if target, ok := header.First(name); ok {
		return target, SourceHTTP
	}
	if target, ok := doc.First(name); ok {
		return target, SourceHTML
	}
	return "", SourceNone
}

// ResolveSelf resolves rel=self, falling back to the URL the feed was fetched from
func ResolveSelf(header, doc Rels, feedURL string) (string, Source) {
	if target, source := Resolve(header, doc, "self"); source != SourceNone {
		return target, source
	}
	return feedURL, SourceDefault
}

// splitLinks splits a header value on commas that are outside <...> and quotes
func splitLinks(header string) []string {
	var links []string
	var inURL, inQuote bool
	start := 0
	for i, c := range header {
		switch {
		case c == '<' && !inQuote:
			inURL = true
		case c == '>' && !inQuote:
			inURL = false
		case c == '"' && !inURL:
			inQuote = !inQuote
		case c == ',' && !inURL && !inQuote:
			links = append(links, header[start:i])
			start = i + 1
		}
	}
	links = append(links, header[start:])
	return lo.Filter(links, func(l string, _ int) bool { return strings.TrimSpace(l) != "" })
}

func parseLink(link string) (string, map[string]string, bool) {
	link = strings.TrimSpace(link)
	if !strings.HasPrefix(link, "<") {
		return "", nil, false
	}
	end := strings.Index(link, ">")
	if end < 0 {
		return "", nil, false
	}
	target := strings.TrimSpace(link[1:end])

	params := map[string]string{}
	for _, param := range strings.Split(link[end+1:], ";") {
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		params[key] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return target, params, true
}
