package message

import "testing"

func TestSanitizeHTMLDropsScript(t *testing.T) {
	in := `<p>hi</p><script>alert(1)</script>`
	got := sanitizeHTML(in)
	if got != "<p>hi</p>" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeHTMLDropsJavascriptURL(t *testing.T) {
	in := `<a href="javascript:alert(1)">click</a>`
	got := sanitizeHTML(in)
	if got != "<a>click</a>" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeHTMLKeepsAllowedAttrs(t *testing.T) {
	in := `<a href="https://example.com" onclick="evil()">ok</a>`
	got := sanitizeHTML(in)
	want := `<a href="https://example.com">ok</a>`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
