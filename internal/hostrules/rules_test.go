package hostrules

import (
	"os"
	"testing"
)

func TestEmbeddedRulesLoad(t *testing.T) {
	r := Get()
	if len(r.ActionWords) == 0 {
		t.Fatal("embedded rules have no action words")
	}
	if len(r.DirectExtensions) == 0 {
		t.Fatal("embedded rules have no direct extensions")
	}
}

func TestMatchesActionWord(t *testing.T) {
	r := Get()

	tests := []struct {
		text string
		want bool
	}{
		{"Instant Download", true},
		{"CONTINUE", true},
		{"Get Link », please wait", true},
		{"Click to Verify", true},
		{"Terms of Service", false},
		{"", false},
		{"downloading is prohibited", true}, // prefix match is intentional
	}

	for _, tt := range tests {
		if got := r.MatchesActionWord(tt.text); got != tt.want {
			t.Errorf("MatchesActionWord(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestHasDirectExtension(t *testing.T) {
	r := Get()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://cdn.example/movie.mkv", true},
		{"https://cdn.example/movie.MP4?token=abc", true},
		{"https://cdn.example/sub.srt#frag", true},
		{"https://gw.example/page.html", false},
		{"https://gw.example/mkv-fans", false},
		{"https://gw.example/?file=x.mkv", false}, // extension must be on the path
	}

	for _, tt := range tests {
		if got := r.HasDirectExtension(tt.url); got != tt.want {
			t.Errorf("HasDirectExtension(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestHasDirectPath(t *testing.T) {
	r := Get()

	if !r.HasDirectPath("https://host.example/d/abc123") {
		t.Error("expected /d/ path to match")
	}
	if !r.HasDirectPath("https://host.example/download/abc") {
		t.Error("expected /download/ path to match")
	}
	if r.HasDirectPath("https://host.example/downloads-info") {
		t.Error("did not expect /downloads-info to match")
	}
}

func TestHostMatching(t *testing.T) {
	r := Get()

	if !r.IsDirectHost("files.pixeldrain.com") {
		t.Error("expected subdomain of allowlisted host to match")
	}
	if !r.IsDirectHost("media.acme.workers.dev") {
		t.Error("expected workers.dev subdomain to match")
	}
	if r.IsDirectHost("example.com") {
		t.Error("did not expect example.com to match direct hosts")
	}
	if !r.IsBlockedHost("stats.google-analytics.com") {
		t.Error("expected analytics host to be blocked")
	}
}

func TestManagerMergeAndReload(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hostrules.yaml"
	writeFile(t, path, "action_words:\n  - unlock\n")

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	r := m.Current()
	if !r.MatchesActionWord("unlock now") {
		t.Error("expected external action word to be active")
	}
	// Embedded lists fill the gaps the override file leaves.
	if len(r.DirectExtensions) == 0 {
		t.Error("expected embedded direct extensions to be merged in")
	}
	if !r.HasDirectExtension("https://x.example/f.mkv") {
		t.Error("expected merged rules to classify .mkv")
	}
}

func TestManagerPartialOverrideReload(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hostrules.yaml"
	writeFile(t, path, "direct_hosts:\n  - fastcdn.example\n")

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	r := m.Current()
	if !r.IsDirectHost("fastcdn.example") {
		t.Error("expected external direct host to be active")
	}
	if !r.MatchesActionWord("download") {
		t.Error("expected embedded action words to fill the gap")
	}

	// A rewritten override replaces only the lists it defines.
	writeFile(t, path, "action_words:\n  - unlock\n")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	r = m.Current()
	if !r.MatchesActionWord("unlock now") {
		t.Error("expected reloaded action word to be active")
	}
	if r.MatchesActionWord("download") {
		t.Error("overridden action words replace the embedded list, not append")
	}
	if r.IsDirectHost("fastcdn.example") {
		t.Error("direct hosts from the previous file should revert to embedded")
	}
	if !r.HasDirectExtension("https://x.example/f.mkv") {
		t.Error("expected embedded direct extensions after reload")
	}
}

func TestManagerBadFileKeepsEmbedded(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/hostrules.yaml"
	writeFile(t, path, "action_words: {not: a list}\n")

	m, err := NewManager(path, false)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	// Parse failure falls back to embedded defaults.
	if !m.Current().MatchesActionWord("download") {
		t.Error("expected embedded rules after parse failure")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
