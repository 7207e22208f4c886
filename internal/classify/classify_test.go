package classify

import (
	"net/http"
	"testing"

	"github.com/resolvarr/resolvarr/internal/hostrules"
)

func newClassifier() *Classifier {
	return New(hostrules.EmbeddedManager())
}

func TestIsDirectByExtension(t *testing.T) {
	c := newClassifier()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://cdn.example/path/movie.mkv", true},
		{"https://cdn.example/path/movie.mp4?sig=abc", true},
		{"https://cdn.example/archive.rar", true},
		{"https://gateway.example/page", false},
		{"https://gateway.example/file.html", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := c.IsDirect(tt.url); got != tt.want {
			t.Errorf("IsDirect(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestIsDirectByPathSegment(t *testing.T) {
	c := newClassifier()

	if !c.IsDirect("https://host.example/d/abc123") {
		t.Error("expected /d/ path to classify as direct")
	}
	if !c.IsDirect("https://host.example/dl/abc123") {
		t.Error("expected /dl/ path to classify as direct")
	}
}

func TestIsDirectByHost(t *testing.T) {
	c := newClassifier()

	if !c.IsDirect("https://files.pixeldrain.com/api/file/xyz") {
		t.Error("expected allowlisted CDN host to classify as direct")
	}
	if c.IsDirect("https://unknown.example/api/file/xyz") {
		t.Error("did not expect unknown host to classify as direct")
	}
}

func TestIsDirectResponseAttachment(t *testing.T) {
	c := newClassifier()

	h := http.Header{}
	h.Set("Content-Disposition", `attachment; filename="x.mkv"`)

	// Header evidence wins regardless of the URL's own shape.
	if !c.IsDirectResponse("https://host.example/serve?id=1", h) {
		t.Error("expected attachment disposition to classify as direct")
	}
}

func TestIsDirectResponseContentTypes(t *testing.T) {
	c := newClassifier()

	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/octet-stream", true},
		{"application/x-mpegURL", true},
		{"video/mp4", true},
		{"video/webm; codecs=vp9", true},
		{"text/html; charset=utf-8", false},
		{"application/json", false},
	}

	for _, tt := range tests {
		h := http.Header{}
		h.Set("Content-Type", tt.contentType)
		if got := c.IsDirectResponse("https://host.example/page", h); got != tt.want {
			t.Errorf("IsDirectResponse(Content-Type=%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestIsDirectResponseNilHeader(t *testing.T) {
	c := newClassifier()
	if c.IsDirectResponse("https://host.example/page", nil) {
		t.Error("nil header should not classify as direct")
	}
}
