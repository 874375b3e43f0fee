package message

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	a "golang.org/x/net/html/atom"
)

// allowedHTMLTags is the tag/attribute allow-list applied to BodyHTML on
// draft save, trimmed from the teacher's html/htmlsafe package down to
// the set of tags email clients actually render plus a generic span/div
// for formatting. Inline CSS values pass through escaped rather than
// parsed property-by-property, since that parser was a private
// dependency not part of this package's import graph.
var allowedHTMLTags = map[a.Atom][]a.Atom{
	a.A:      {a.Class, a.Href, a.Id, a.Style, a.Target},
	a.B:      {a.Class, a.Id, a.Style},
	a.Br:     {a.Class, a.Id, a.Style},
	a.Div:    {a.Align, a.Class, a.Dir, a.Id, a.Style},
	a.Em:     {a.Class, a.Id, a.Style},
	a.Font:   {a.Class, a.Color, a.Face, a.Id, a.Size, a.Style},
	a.H1:     {a.Align, a.Class, a.Dir, a.Id, a.Style},
	a.H2:     {a.Align, a.Class, a.Dir, a.Id, a.Style},
	a.H3:     {a.Align, a.Class, a.Dir, a.Id, a.Style},
	a.Hr:     {a.Align, a.Size, a.Width},
	a.I:      {a.Class, a.Id, a.Style},
	a.Img:    {a.Align, a.Class, a.Height, a.Id, a.Src, a.Style, a.Width},
	a.Li:     {a.Class, a.Dir, a.Id, a.Style},
	a.Ol:     {a.Class, a.Dir, a.Id, a.Style},
	a.P:      {a.Align, a.Class, a.Dir, a.Id, a.Style},
	a.Span:   {a.Class, a.Id, a.Style},
	a.Strong: {a.Class, a.Id, a.Style},
	a.Table:  {a.Align, a.Class, a.Dir, a.Id, a.Style, a.Width},
	a.Td:     {a.Align, a.Class, a.Colspan, a.Dir, a.Id, a.Rowspan, a.Style, a.Width},
	a.Tr:     {a.Align, a.Class, a.Dir, a.Id, a.Style},
	a.U:      {a.Class, a.Id, a.Style},
	a.Ul:     {a.Class, a.Dir, a.Id, a.Style},
}

// sanitizeHTML strips in down to the tags and attributes in
// allowedHTMLTags, dropping javascript: URLs from href/src attributes.
// Malformed input is not rejected: the tokenizer is lenient, and
// whatever tokens it yields are filtered the same way. The caller only
// needs a best-effort pass over an already-authenticated user's own
// draft, not a hard security boundary.
func sanitizeHTML(in string) string {
	var out bytes.Buffer
	discarding := false

	z := html.NewTokenizer(strings.NewReader(in))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			attrs, found := allowedHTMLTags[t.DataAtom]
			if !found {
				discarding = tt == html.StartTagToken
				continue
			}
			discarding = false
			fmt.Fprintf(&out, "<%s", t.DataAtom.String())
			for _, attr := range t.Attr {
				if !hasAttr(attrs, attr.Key) {
					continue
				}
				if attr.Key == "href" || attr.Key == "src" {
					if v := sanitizeURL(attr.Val); v != "" {
						fmt.Fprintf(&out, " %s=%q", attr.Key, v)
					}
					continue
				}
				fmt.Fprintf(&out, " %s=%q", attr.Key, attr.Val)
			}
			if tt == html.SelfClosingTagToken {
				out.WriteString("/>")
			} else {
				out.WriteByte('>')
			}
		case html.EndTagToken:
			discarding = false
			t := z.Token()
			if _, found := allowedHTMLTags[t.DataAtom]; !found {
				continue
			}
			fmt.Fprintf(&out, "</%s>", t.DataAtom.String())
		default:
			if !discarding {
				out.Write(z.Raw())
			}
		}
	}
	return out.String()
}

func hasAttr(attrs []a.Atom, key string) bool {
	for _, at := range attrs {
		if at.String() == key {
			return true
		}
	}
	return false
}

func sanitizeURL(val string) string {
	u, err := url.Parse(strings.TrimSpace(val))
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http", "https", "cid", "mailto":
		return u.String()
	case "":
		return u.String()
	default:
		return ""
	}
}
