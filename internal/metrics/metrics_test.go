package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestHandler(t *testing.T) {
	RecordRequest("link.resolve", "ok", 1*time.Second)
	UpdatePoolMetrics(3, 2)

	body := scrape(t)

	expectedMetrics := []string{
		"resolvarr_browser_pool_size",
		"resolvarr_browser_pool_available",
		"resolvarr_requests_total",
		"resolvarr_request_duration_seconds",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.22")

	body := scrape(t)
	if !strings.Contains(body, "resolvarr_build_info") {
		t.Error("Expected resolvarr_build_info metric")
	}
	if !strings.Contains(body, "version=\"1.0.0\"") {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, "go_version=\"go1.22\"") {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordResolution(t *testing.T) {
	RecordResolution("hubcloud", "direct", 3)
	RecordResolution("hubcloud", "hop_limit", 8)
	RecordResolution("", "no_candidates", 1)

	body := scrape(t)
	if !strings.Contains(body, "resolvarr_resolutions_total") {
		t.Error("Expected resolvarr_resolutions_total metric")
	}
	// Empty site maps to the generic label.
	if !strings.Contains(body, `site="generic"`) {
		t.Error("Expected empty site to record under generic")
	}
	if !strings.Contains(body, "resolvarr_resolution_hops") {
		t.Error("Expected resolvarr_resolution_hops metric")
	}
}

func TestRecordEscalation(t *testing.T) {
	RecordEscalation()

	body := scrape(t)
	if !strings.Contains(body, "resolvarr_headless_escalations_total") {
		t.Error("Expected resolvarr_headless_escalations_total metric")
	}
}

func TestRecordDecodeHook(t *testing.T) {
	RecordDecodeHook("token-envelope", "applicable")
	RecordDecodeHook("token-envelope", "malformed")

	body := scrape(t)
	if !strings.Contains(body, "resolvarr_decode_hook_results_total") {
		t.Error("Expected resolvarr_decode_hook_results_total metric")
	}
}

func TestUpdatePoolMetrics(t *testing.T) {
	UpdatePoolMetrics(3, 2)

	body := scrape(t)
	if !strings.Contains(body, "resolvarr_browser_pool_size 3") {
		t.Error("Expected browser_pool_size to be 3")
	}
	if !strings.Contains(body, "resolvarr_browser_pool_available 2") {
		t.Error("Expected browser_pool_available to be 2")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartMemoryCollector(50*time.Millisecond, stopCh)
	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	body := scrape(t)
	for _, metric := range []string{
		"resolvarr_memory_usage_bytes",
		"resolvarr_memory_sys_bytes",
		"resolvarr_goroutines",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected %s metric", metric)
		}
	}
}
