package pathmatch

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"agent/main", "agent/main", true},
		{"agent/main", "agent/other", false},
		{"agent/*", "agent/main", true},
		{"agent/*", "agent/main/sessions", false},
		{"agent/**", "agent/main", true},
		{"agent/**", "agent/main/sessions/x", true},
		{"agent/**", "agent", true},
		{"**", "agent/main/x", true},
		{"**", "", false},
		{"slack/**", "slack/team/#general", true},
		{"slack/**/alerts", "slack/team/alerts", true},
		{"slack/**/alerts", "slack/team/x/alerts", true},
		{"slack/**/alerts", "slack/alerts", true},
		{"", "agent/main", false},
		{"agent/main", "", false},
		{"a/*/c", "a/b/c", true},
		{"a/*/c", "a/b/d/c", false},
	}

	for _, tc := range cases {
		if got := Match(tc.pattern, tc.path); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

func TestMatchTrailingSlashIdempotent(t *testing.T) {
	if Match("a/b", "/a/b/") != Match("a/b", "a/b") {
		t.Fatal("trailing slash normalization broke idempotence")
	}
}

func TestMatchCollapsesRuns(t *testing.T) {
	if !Match("a/b", "a//b") {
		t.Fatal("expected collapsed separators to still match")
	}
}
