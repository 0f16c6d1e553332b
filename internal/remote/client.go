// Package remote is the client for the remote spreadsheet: range
// reads and batched writes against google.golang.org/api/sheets/v4, with
// an internal rate-limit backoff state machine and offline detection
// layered on top the way infrastructures/cache layers pingWithRetry/
// isRetryableRedisErr retry-classification on top of go-redis.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/sheets/v4"

	"cellsync/internal/applog"
	"cellsync/internal/cell"
	"cellsync/internal/metrics"
)

// Result classifies the outcome of a Remote Sheet Client operation.
type Result int

const (
	ResultOK Result = iota
	ResultRateLimited
	ResultUnreachable
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultRateLimited:
		return "rate-limited"
	case ResultUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second
)

// Client is the Remote Sheet Client. It is safe for concurrent use; the
// backoff/offline state is internally synchronized.
type Client struct {
	svc           *sheets.Service
	spreadsheetID string
	readRange     string
	requestTO     time.Duration

	mu             sync.Mutex
	currentBackoff time.Duration
	backoffUntil   time.Time
	online         bool
	everConnected  bool
}

// Options configures a Client.
type Options struct {
	SpreadsheetID     string
	Range             string
	RequestTimeout    time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// New wraps an already-authenticated *sheets.Service; credential loading
// is handled by the caller.
func New(svc *sheets.Service, opts Options) *Client {
	ib := opts.InitialBackoff
	if ib == 0 {
		ib = initialBackoff
	}
	rt := opts.RequestTimeout
	if rt == 0 {
		rt = 10 * time.Second
	}
	return &Client{
		svc:            svc,
		spreadsheetID:  opts.SpreadsheetID,
		readRange:      opts.Range,
		requestTO:      rt,
		currentBackoff: ib,
		online:         true,
	}
}

// ReadRange performs a range read and flattens the result into a
// cell.Snapshot. See Result for outcome classification.
func (c *Client) ReadRange(ctx context.Context) (cell.Snapshot, Result) {
	if blocked, remaining := c.backoffActive(); blocked {
		_ = remaining
		return nil, ResultRateLimited
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTO)
	defer cancel()

	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, c.readRange).Context(ctx).Do()
	if err != nil {
		return nil, c.classifyAndRecord(err)
	}

	c.recordSuccess()
	return flatten(resp.Values), ResultOK
}

// WriteBatch pushes a set of (address, value) pairs as a single batch
// update. Address keys are translated to "<Sheet>!<Letter><Row>" ranges,
// where <Sheet> is the sheet named in the configured read range (Sheet1
// if the range names none).
func (c *Client) WriteBatch(ctx context.Context, changes []cell.Change) Result {
	if len(changes) == 0 {
		return ResultOK
	}
	if blocked, _ := c.backoffActive(); blocked {
		return ResultRateLimited
	}

	sheetName := sheetNameFromRange(c.readRange)
	data := make([]*sheets.ValueRange, 0, len(changes))
	for _, ch := range changes {
		rng := fmt.Sprintf("%s!%c%d", sheetName, ch.Address.Col, ch.Address.Row)
		data = append(data, &sheets.ValueRange{
			Range:  rng,
			Values: [][]interface{}{{string(ch.Value)}},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTO)
	defer cancel()

	req := &sheets.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}
	_, err := c.svc.Spreadsheets.Values.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return c.classifyAndRecord(err)
	}
	c.recordSuccess()
	return ResultOK
}

// WriteSingle is a convenience wrapper over WriteBatch for queue replay.
func (c *Client) WriteSingle(ctx context.Context, addr cell.Address, value cell.Value) Result {
	return c.WriteBatch(ctx, []cell.Change{{Address: addr, Value: value, Deleted: value == ""}})
}

// Online reports the client's current connectivity state, independent of
// rate-limit backoff.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// RateLimited reports whether the client is currently within a backoff
// window, for status reporting.
func (c *Client) RateLimited() bool {
	blocked, _ := c.backoffActive()
	return blocked
}

// BackoffRemaining returns how long the current backoff window has left,
// or 0 if the client is not currently backing off.
func (c *Client) BackoffRemaining() time.Duration {
	_, remaining := c.backoffActive()
	return remaining
}

func (c *Client) backoffActive() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backoffUntil.IsZero() {
		return false, 0
	}
	if remaining := time.Until(c.backoffUntil); remaining > 0 {
		return true, remaining
	}
	return false, 0
}

func (c *Client) classifyAndRecord(err error) Result {
	if isQuotaExceeded(err) {
		c.enterBackoff()
		return ResultRateLimited
	}
	c.markOffline(err)
	return ResultUnreachable
}

func (c *Client) enterBackoff() {
	c.mu.Lock()
	wasBackingOff := !c.backoffUntil.IsZero() && time.Now().Before(c.backoffUntil)
	if c.currentBackoff == 0 {
		c.currentBackoff = initialBackoff
	} else {
		c.currentBackoff *= 2
	}
	if c.currentBackoff > maxBackoff {
		c.currentBackoff = maxBackoff
	}
	c.backoffUntil = time.Now().Add(c.currentBackoff)
	backoff := c.currentBackoff
	c.mu.Unlock()

	if !wasBackingOff {
		applog.Warnf("remote: entering rate-limit backoff for %s", backoff)
		metrics.ReportRemoteRateLimitEnter(backoff)
	}
}

func (c *Client) markOffline(err error) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = false
	c.mu.Unlock()

	if wasOnline {
		applog.Warnf("remote: marked offline: %v", err)
		metrics.ReportRemoteOnlineChanged(false)
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	wasBackingOff := !c.backoffUntil.IsZero()
	wasOnline := c.online
	c.currentBackoff = initialBackoff
	c.backoffUntil = time.Time{}
	c.online = true
	c.everConnected = true
	c.mu.Unlock()

	if wasBackingOff {
		applog.Infof("remote: exiting rate-limit backoff")
		metrics.ReportRemoteRateLimitExit()
	}
	if !wasOnline {
		applog.Infof("remote: back online")
		metrics.ReportRemoteOnlineChanged(true)
	}
}

// isQuotaExceeded classifies a quota-exceeded / rate-limited error from
// the Sheets API, which surfaces as a 429 or a 403 with a rate-limit
// reason code.
func isQuotaExceeded(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 429 {
			return true
		}
		if gerr.Code == 403 {
			for _, e := range gerr.Errors {
				if strings.Contains(e.Reason, "rateLimitExceeded") || strings.Contains(e.Reason, "quotaExceeded") {
					return true
				}
			}
		}
	}
	return false
}

func sheetNameFromRange(r string) string {
	if idx := strings.Index(r, "!"); idx >= 0 {
		return r[:idx]
	}
	return "Sheet1"
}

// flatten converts the dense row-major values array returned by a range
// read into a cell.Snapshot, collapsing absent-trailing cells.
// Non-string values are coerced deterministically via fmt.Sprintf (see
// SPEC_FULL.md §4.3).
func flatten(rows [][]interface{}) cell.Snapshot {
	snap := cell.Snapshot{}
	for rowIdx, row := range rows {
		for colIdx, raw := range row {
			letter, err := cell.ColumnLetter(colIdx)
			if err != nil {
				continue // beyond MaxCol; not addressable, so not representable
			}
			addr, err := cell.NewAddress(rowIdx+1, letter)
			if err != nil {
				continue
			}
			s := coerce(raw)
			if s == "" {
				continue // absent/empty collapse, trailing or not
			}
			snap[addr] = cell.Value(s)
		}
	}
	return snap
}

func coerce(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
