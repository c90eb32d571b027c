package utils

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// FieldRow is one row of a field-oriented status table: the field name sits
// in a <th>, with one <td><div>value</div></td> per channel. Some firmware
// renders the values concatenated inside the <th> text instead; that text,
// minus the field name, is preserved in Raw so callers can recover the
// values with model-specific heuristics.
type FieldRow struct {
	Values []string
	Raw    string
}

// FieldTable maps field names to their per-channel values.
type FieldTable map[string]FieldRow

// FieldTables extracts every <tbody> in the document as a FieldTable.
func FieldTables(doc *html.Node) []FieldTable {
	var tables []FieldTable
	for _, tbody := range findAll(doc, atom.Tbody) {
		table := FieldTable{}
		for _, tr := range findAll(tbody, atom.Tr) {
			th := findFirst(tr, atom.Th)
			if th == nil {
				continue
			}

			text := nodeText(th)
			header := strings.TrimSpace(text)
			raw := ""
			if idx := strings.Index(text, "\n"); idx >= 0 {
				header = strings.TrimSpace(text[:idx])
				raw = strings.TrimSpace(text[idx+1:])
			}
			if header == "" {
				continue
			}

			var values []string
			for _, td := range findAll(tr, atom.Td) {
				for _, div := range findAll(td, atom.Div) {
					values = append(values, strings.TrimSpace(nodeText(div)))
				}
			}

			table[header] = FieldRow{Values: values, Raw: raw}
		}
		tables = append(tables, table)
	}
	return tables
}

// SpanValueAfter returns the text of the <span> element following the
// <span> whose text equals label, or "" when the label is not present.
// Status pages render scalar values as label/value span pairs.
func SpanValueAfter(doc *html.Node, label string) string {
	for _, span := range findAll(doc, atom.Span) {
		if strings.TrimSpace(nodeText(span)) != label {
			continue
		}
		for sibling := span.NextSibling; sibling != nil; sibling = sibling.NextSibling {
			if sibling.Type == html.ElementNode && sibling.DataAtom == atom.Span {
				return strings.TrimSpace(nodeText(sibling))
			}
		}
	}
	return ""
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var nodes []*html.Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.DataAtom == a {
			nodes = append(nodes, child)
			continue
		}
		nodes = append(nodes, findAll(child, a)...)
	}
	return nodes
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.DataAtom == a {
			return child
		}
		if found := findFirst(child, a); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}
