package remote

import (
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	"cellsync/internal/cell"
)

func newBareClient() *Client {
	return New(nil, Options{SpreadsheetID: "sheet-1", Range: "Sheet1!A1:H20"})
}

func TestFlattenCollapsesAbsentAndTrailingEmpty(t *testing.T) {
	rows := [][]interface{}{
		{"Hello", "", "World"},
		{},
		{nil, 42},
	}
	snap := flatten(rows)

	want := cell.Snapshot{
		cell.MustAddress(1, 'A'): "Hello",
		cell.MustAddress(1, 'C'): "World",
		cell.MustAddress(3, 'B'): "42",
	}
	if len(snap) != len(want) {
		t.Fatalf("length mismatch: got %d want %d (%v)", len(snap), len(want), snap)
	}
	for addr, v := range want {
		if snap[addr] != v {
			t.Fatalf("mismatch at %v: got %q want %q", addr, snap[addr], v)
		}
	}
}

func TestCoerceNonStringValues(t *testing.T) {
	if got := coerce(nil); got != "" {
		t.Fatalf("expected empty string for nil, got %q", got)
	}
	if got := coerce("x"); got != "x" {
		t.Fatalf("expected passthrough for string, got %q", got)
	}
	if got := coerce(3.5); got != "3.5" {
		t.Fatalf("expected stringified float, got %q", got)
	}
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	c := newBareClient()
	quota := &googleapi.Error{Code: 429}

	c.classifyAndRecord(quota)
	blocked, remaining := c.backoffActive()
	if !blocked || remaining <= 0 {
		t.Fatalf("expected active backoff after first rate limit")
	}
	if c.currentBackoff != initialBackoff*2 {
		t.Fatalf("expected initial backoff doubled, got %v", c.currentBackoff)
	}

	c.backoffUntil = time.Now().Add(-time.Second) // simulate elapsed window
	c.classifyAndRecord(quota)
	if c.currentBackoff != initialBackoff*4 {
		t.Fatalf("expected doubled backoff, got %v", c.currentBackoff)
	}

	for i := 0; i < 10; i++ {
		c.backoffUntil = time.Now().Add(-time.Second)
		c.classifyAndRecord(quota)
	}
	if c.currentBackoff != maxBackoff {
		t.Fatalf("expected backoff capped at max, got %v", c.currentBackoff)
	}
}

func TestSuccessResetsBackoffAndOnlineState(t *testing.T) {
	c := newBareClient()
	c.classifyAndRecord(&googleapi.Error{Code: 429})
	if blocked, _ := c.backoffActive(); !blocked {
		t.Fatalf("expected backoff active before success")
	}

	c.recordSuccess()
	if blocked, _ := c.backoffActive(); blocked {
		t.Fatalf("expected backoff cleared after success")
	}
	if c.currentBackoff != initialBackoff {
		t.Fatalf("expected backoff reset to initial, got %v", c.currentBackoff)
	}
	if !c.Online() {
		t.Fatalf("expected online after success")
	}
}

func TestNonQuotaErrorMarksOffline(t *testing.T) {
	c := newBareClient()
	result := c.classifyAndRecord(&googleapi.Error{Code: 503})
	if result != ResultUnreachable {
		t.Fatalf("expected unreachable, got %v", result)
	}
	if c.Online() {
		t.Fatalf("expected offline after non-quota error")
	}
}

func TestIsQuotaExceededDetectsRateLimitReason(t *testing.T) {
	err := &googleapi.Error{
		Code: 403,
		Errors: []googleapi.ErrorItem{
			{Reason: "rateLimitExceeded"},
		},
	}
	if !isQuotaExceeded(err) {
		t.Fatalf("expected 403 with rateLimitExceeded reason to classify as quota exceeded")
	}
}
