package sandbox

import "testing"

func TestNegotiateQualityOrder(t *testing.T) {
	cases := []struct {
		header  string
		offered []string
		want    string
	}{
		{"application/json", []string{"json", "html"}, "json"},
		{"text/html;q=0.9, application/json;q=0.5", []string{"json", "html"}, "html"},
		{"text/*;q=0.5, application/json", []string{"html", "json"}, "json"},
		{"*/*", []string{"json"}, "json"},
		{"", []string{"html"}, "html"}, // absent Accept admits anything
		{"application/xml", []string{"json", "html"}, ""},
		{"text/html;q=0", []string{"html"}, ""}, // q=0 excludes
		{"application/*", []string{"html", "json"}, "json"},
	}
	for _, c := range cases {
		if got := negotiate(c.header, c.offered); got != c.want {
			t.Errorf("negotiate(%q, %v) = %q, want %q", c.header, c.offered, got, c.want)
		}
	}
}

func TestNegotiateSpecificityBreaksTies(t *testing.T) {
	// same quality: the full type outranks the wildcard
	got := negotiate("text/*, text/html", []string{"text", "html"})
	if got != "html" {
		t.Fatalf("expected the more specific range to win, got %q", got)
	}
}

func TestTypeIs(t *testing.T) {
	cases := []struct {
		contentType string
		probe       string
		want        bool
	}{
		{"application/json", "json", true},
		{"application/json; charset=utf-8", "json", true},
		{"application/vnd.api+json", "+json", true},
		{"text/html", "json", false},
		{"text/html", "html", true},
		{"text/plain", "text/*", true},
		{"", "json", false},
	}
	for _, c := range cases {
		if got := typeIs(c.contentType, c.probe); got != c.want {
			t.Errorf("typeIs(%q, %q) = %v, want %v", c.contentType, c.probe, got, c.want)
		}
	}
}
