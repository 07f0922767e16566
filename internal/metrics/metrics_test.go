package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.co.jp/gaiyo", "example.co.jp"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := itemsTotal
	Init()
	if itemsTotal != first || itemsTotal == nil {
		t.Fatal("Init() re-created or failed to create collectors")
	}
}

func TestSetPoolState(t *testing.T) {
	SetPoolState(2, 1, 0, 5)
	if val := testutil.ToFloat64(poolSessions.WithLabelValues("idle")); val != 2 {
		t.Errorf("expected 2 idle sessions, got %f", val)
	}
	if val := testutil.ToFloat64(poolWaiters); val != 5 {
		t.Errorf("expected 5 waiters, got %f", val)
	}
}

func TestObserveItemDefaultsKind(t *testing.T) {
	before := testutil.ToFloat64(itemsTotal.WithLabelValues("succeeded", "none"))
	ObserveItem("succeeded", "", time.Second)
	if val := testutil.ToFloat64(itemsTotal.WithLabelValues("succeeded", "none")); val != before+1 {
		t.Errorf("expected items counter to grow by one, got %f -> %f", before, val)
	}
}

func TestBatchGauge(t *testing.T) {
	start := testutil.ToFloat64(batchesInFlight)
	BatchStarted()
	BatchStarted()
	BatchFinished("completed")
	if val := testutil.ToFloat64(batchesInFlight); val != start+1 {
		t.Errorf("expected one batch in flight over baseline, got %f", val-start)
	}
	BatchFinished("partial")
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
