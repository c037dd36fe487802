// Package roster checks usernames against a Google Sheet of pre-approved viewers.
// It is the fallback verification path for users who never typed !agree.
// Lookups fail closed: any auth, network, or decode problem means "not listed".
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/onnwee/chatgate/telemetry"
)

// Client reads a single column of usernames from a spreadsheet.
type Client struct {
	svc     *sheets.Service
	sheetID string
	rng     string
	timeout time.Duration
}

// New builds a read-only Sheets client from service account JSON.
func New(ctx context.Context, credentialsJSON []byte, sheetID, rng string, timeout time.Duration) (*Client, error) {
	conf, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	svc, err := sheets.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	slog.Info("roster lookup enabled", slog.String("sheet", sheetID), slog.String("range", rng), slog.String("component", "roster"))
	return NewWithService(svc, sheetID, rng, timeout), nil
}

// NewWithService wraps an existing Sheets service.
func NewWithService(svc *sheets.Service, sheetID, rng string, timeout time.Duration) *Client {
	if rng == "" {
		rng = "C:C"
	}
	return &Client{svc: svc, sheetID: sheetID, rng: rng, timeout: timeout}
}

// Normalize strips a leading '@', trims whitespace and lowercases.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@")))
}

// IsListed reports whether raw appears in the configured range. Errors are logged
// and reported as false.
func (c *Client) IsListed(ctx context.Context, raw string) bool {
	name := Normalize(raw)
	if name == "" {
		return false
	}
	names, err := c.fetch(ctx)
	if err != nil {
		slog.Warn("roster lookup failed; treating as not listed", slog.String("user", name), slog.Any("err", err), slog.String("component", "roster"))
		return false
	}
	_, ok := names[name]
	slog.Debug("roster lookup", slog.String("user", name), slog.Bool("listed", ok), slog.Int("rows", len(names)), slog.String("component", "roster"))
	return ok
}

func (c *Client) fetch(ctx context.Context) (names map[string]struct{}, err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { telemetry.ObserveCollaborator("roster", err == nil, time.Since(start)) }()

	resp, err := c.svc.Spreadsheets.Values.Get(c.sheetID, c.rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("values.get %s: %w", c.rng, err)
	}
	return Flatten(resp.Values), nil
}

// Flatten collects every cell of rows into a normalized set.
func Flatten(rows [][]interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, row := range rows {
		for _, cell := range row {
			s, ok := cell.(string)
			if !ok {
				s = fmt.Sprint(cell)
			}
			if n := Normalize(s); n != "" {
				out[n] = struct{}{}
			}
		}
	}
	return out
}
