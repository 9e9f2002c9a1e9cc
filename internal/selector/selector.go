// Package selector evaluates the XPath and CSS selectors site descriptors use against a parsed lot page.
//
// A selector is XPath unless it carries the "css:" prefix. CSS selectors may end in "@attr" to read an attribute
// instead of the element text, e.g. "css:div.lot-image img@src".
package selector

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

const cssPrefix = "css:"

// Document is a lot page parsed once and shared by every selector evaluated against it.
type Document struct {
	root  *html.Node
	query *goquery.Document
}

// Parse builds a Document from raw page bytes.
func Parse(body []byte) (*Document, error) {
	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root, query: goquery.NewDocumentFromNode(root)}, nil
}

// Selector is a compiled XPath or CSS expression.
type Selector struct {
	raw   string
	expr  *xpath.Expr
	css   string
	attr  string
	isCSS bool
}

// Compile validates raw and prepares it for repeated evaluation.
func Compile(raw string) (*Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty selector")
	}
	if rest, ok := strings.CutPrefix(raw, cssPrefix); ok {
		return compileCSS(raw, strings.TrimSpace(rest))
	}
	expr, err := xpath.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile xpath %q: %w", raw, err)
	}
	return &Selector{raw: raw, expr: expr}, nil
}

func compileCSS(raw, rest string) (*Selector, error) {
	sel, attr := rest, ""
	if i := strings.LastIndex(rest, "@"); i > 0 && !strings.ContainsAny(rest[i:], " >+~]") {
		sel, attr = strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+1:])
	}
	if sel == "" {
		return nil, fmt.Errorf("compile css %q: empty selector", raw)
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return nil, fmt.Errorf("compile css %q: %w", raw, err)
	}
	return &Selector{raw: raw, css: sel, attr: attr, isCSS: true}, nil
}

// String returns the selector as written in the descriptor.
func (s *Selector) String() string {
	return s.raw
}

// Values returns the text (or attribute value) of every match, in document order.
// Scalar XPath results (string(), count(), boolean()) yield a single value. Empty strings are dropped.
func (s *Selector) Values(doc *Document) []string {
	if doc == nil {
		return nil
	}
	if s.isCSS {
		return s.cssValues(doc)
	}
	return s.xpathValues(doc)
}

// First returns the first value, reporting false on a miss.
func (s *Selector) First(doc *Document) (string, bool) {
	values := s.Values(doc)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (s *Selector) xpathValues(doc *Document) []string {
	var out []string
	switch v := s.expr.Evaluate(htmlquery.CreateXPathNavigator(doc.root)).(type) {
	case *xpath.NodeIterator:
		for v.MoveNext() {
			out = appendNonEmpty(out, v.Current().Value())
		}
	case string:
		out = appendNonEmpty(out, v)
	case float64:
		out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
	case bool:
		out = append(out, strconv.FormatBool(v))
	}
	return out
}

func (s *Selector) cssValues(doc *Document) []string {
	var out []string
	doc.query.Find(s.css).Each(func(_ int, sel *goquery.Selection) {
		if s.attr == "" {
			out = appendNonEmpty(out, sel.Text())
			return
		}
		if v, ok := sel.Attr(s.attr); ok {
			out = appendNonEmpty(out, v)
		}
	})
	return out
}

func appendNonEmpty(out []string, v string) []string {
	if strings.TrimSpace(v) == "" {
		return out
	}
	return append(out, v)
}
