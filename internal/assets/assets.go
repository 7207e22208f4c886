// Package assets provides embedded static files for the application.
// Using Go's embed package allows for single-binary deployment without
// external file dependencies.
package assets

import (
	"bytes"
	"embed"
	"html"
	"html/template"
	"regexp"
)

//go:embed templates/*.html
var templates embed.FS

// sanitizeVersion removes any potentially dangerous characters from the
// version string. The version arrives via build-time ldflags, so it is
// treated as untrusted input.
var versionSanitizer = regexp.MustCompile(`[^a-zA-Z0-9.\-_+]`)

// SanitizeVersion sanitizes a version string to prevent XSS.
// Returns "unknown" if the result is empty after sanitization.
func SanitizeVersion(version string) string {
	escaped := html.EscapeString(version)
	sanitized := versionSanitizer.ReplaceAllString(escaped, "")
	if sanitized == "" {
		return "unknown"
	}
	if len(sanitized) > 100 {
		sanitized = sanitized[:100]
	}
	return sanitized
}

// SiteRow is one row of the dashboard's per-site table.
type SiteRow struct {
	Name        string
	Resolutions int64
	Direct      int64
	AvgHops     float64
	Escalations int64
}

// DashboardData contains the data for rendering the dashboard page.
type DashboardData struct {
	Version       string
	GoVersion     string
	Uptime        string
	PoolSize      int
	PoolAvailable int
	Resolutions   int64
	DirectCount   int64
	Sites         []SiteRow
}

var dashboardTemplate = template.Must(template.ParseFS(templates, "templates/dashboard.html"))

// RenderDashboard renders the dashboard page. All values pass through
// html/template escaping; the version is additionally pre-sanitized.
func RenderDashboard(data DashboardData) (string, error) {
	data.Version = SanitizeVersion(data.Version)

	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
