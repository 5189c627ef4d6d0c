package mf2

import (
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"willnorris.com/go/microformats"

	"feedhub/linkrel"
)

// Kind tells which variant a property Value holds
type Kind int

const (
	// KindString is a plain p-, u- or dt- value
	KindString Kind = iota
	// KindEmbedded is an e- value carrying both HTML and its plain text
	KindEmbedded
	// KindItem is a nested microformat such as an h-cite or h-card
	KindItem
)

// Value is a single property value
type Value struct {
	Kind Kind
	// Text is the plain text for every kind. For nested items it is the
	// item's implied value.
	Text string
	HTML string
	Item *Node
}

// Node is one parsed microformat
type Node struct {
	Type       []string
	Properties map[string][]Value
	Children   []*Node
}

// Document is a parsed page
type Document struct {
	Items []*Node
	Rels  linkrel.Rels
}

// Parse reads microformats from markup. Relative URLs are resolved against baseURL.
func Parse(r io.Reader, baseURL string) (*Document, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	data := microformats.Parse(r, base)

	doc := &Document{
		Items: lo.Map(data.Items, func(mf *microformats.Microformat, _ int) *Node { return convert(mf) }),
		Rels:  linkrel.Rels{},
	}
	for rel, targets := range data.Rels {
		doc.Rels[rel] = append([]string(nil), targets...)
	}
	return doc, nil
}

func convert(mf *microformats.Microformat) *Node {
	n := &Node{
		Type:       append([]string(nil), mf.Type...),
		Properties: make(map[string][]Value, len(mf.Properties)),
		Children:   lo.Map(mf.Children, func(c *microformats.Microformat, _ int) *Node { return convert(c) }),
	}
	for prop, values := range mf.Properties {
		for _, raw := range values {
			if v, ok := convertValue(raw); ok {
				n.Properties[prop] = append(n.Properties[prop], v)
			}
		}
	}
	return n
}

func convertValue(raw interface{}) (Value, bool) {
	switch v := raw.(type) {
	case string:
		return Value{Kind: KindString, Text: v}, true
	case *microformats.Microformat:
		item := convert(v)
		text := v.Value
		if text == "" {
			text = PlainText(item, "name")
		}
		return Value{Kind: KindItem, Text: text, Item: item}, true
	case map[string]string:
		return mapValue(v["value"], v["html"]), true
	case map[string]interface{}:
		value, _ := v["value"].(string)
		markup, _ := v["html"].(string)
		return mapValue(value, markup), true
	}
	return Value{}, false
}

// e- properties carry html; u-photo with alt text carries only a value
func mapValue(value, markup string) Value {
	if markup == "" {
		return Value{Kind: KindString, Text: value}
	}
	if value == "" {
		value = HTMLText(markup)
	}
	return Value{Kind: KindEmbedded, Text: value, HTML: markup}
}

func (n *Node) HasType(typ string) bool {
	return n != nil && lo.Contains(n.Type, typ)
}

// IsMicroformat reports whether the node is a well-formed microformat with an h- root type
func (n *Node) IsMicroformat() bool {
	if n == nil || n.Properties == nil {
		return false
	}
	return lo.SomeBy(n.Type, func(t string) bool { return strings.HasPrefix(t, "h-") })
}

func (n *Node) HasProperty(prop string) bool {
	return n != nil && len(n.Properties[prop]) > 0
}

func (n *Node) Values(prop string) []Value {
	if n == nil {
		return nil
	}
	return n.Properties[prop]
}

func (n *Node) First(prop string) (Value, bool) {
	values := n.Values(prop)
	if len(values) == 0 {
		return Value{}, false
	}
	return values[0], true
}

// FirstItem returns the first value of prop that is a nested microformat
func (n *Node) FirstItem(prop string) (*Node, bool) {
	v, ok := n.First(prop)
	if !ok || v.Kind != KindItem {
		return nil, false
	}
	return v.Item, true
}

func HasProperty(n *Node, prop string) bool {
	return n.HasProperty(prop)
}

// PlainText returns the plain text of the first value of prop, or "" when absent
func PlainText(n *Node, prop string) string {
	v, ok := n.First(prop)
	if !ok {
		return ""
	}
	return v.Text
}

// HTML returns the first value of prop as markup. Plain values are escaped.
func HTML(n *Node, prop string) string {
	v, ok := n.First(prop)
	if !ok {
		return ""
	}
	if v.Kind == KindEmbedded {
		return v.HTML
	}
	return html.EscapeString(v.Text)
}

// Strings returns the plain text of every value of prop
func Strings(n *Node, prop string) []string {
	return lo.Map(n.Values(prop), func(v Value, _ int) string { return v.Text })
}

// FindByType returns every node of the given type among items and their
// children, depth first in document order
func FindByType(items []*Node, typ string) []*Node {
	var found []*Node
	for _, item := range items {
		if item.HasType(typ) {
			found = append(found, item)
		}
		found = append(found, FindByType(item.Children, typ)...)
	}
	return found
}
