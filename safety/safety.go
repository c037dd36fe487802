// Package safety classifies URLs through the Google Safe Browsing v4 Lookup API.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/option"
	safebrowsing "google.golang.org/api/safebrowsing/v4"

	"github.com/onnwee/chatgate/telemetry"
)

const (
	VerdictSafe        = "safe"
	VerdictUnavailable = "unknown (safety check unavailable)"
	VerdictNoURL       = "unknown (no url)"
)

var (
	threatTypes      = []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE", "POTENTIALLY_HARMFUL_APPLICATION"}
	platformTypes    = []string{"ANY_PLATFORM"}
	threatEntryTypes = []string{"URL"}
)

// Classifier looks up a single URL per call.
type Classifier struct {
	svc           *safebrowsing.Service
	clientID      string
	clientVersion string
	timeout       time.Duration
}

// New returns a Classifier authenticated with an API key.
func New(ctx context.Context, apiKey string, timeout time.Duration, opts ...option.ClientOption) (*Classifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("empty safe browsing api key")
	}
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := safebrowsing.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("safebrowsing service: %w", err)
	}
	return &Classifier{svc: svc, clientID: "chatgate", clientVersion: "1.0.0", timeout: timeout}, nil
}

// Classify returns "safe", "unsafe: <THREATS>" or an "unknown (...)" verdict. It never fails.
func (c *Classifier) Classify(ctx context.Context, url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return VerdictNoURL
	}
	threats, err := c.lookup(ctx, url)
	if err != nil {
		slog.Warn("safe browsing lookup failed", slog.String("url", url), slog.Any("err", err), slog.String("component", "safety"))
		return VerdictUnavailable
	}
	if len(threats) == 0 {
		return VerdictSafe
	}
	return "unsafe: " + strings.Join(threats, ", ")
}

func (c *Classifier) lookup(ctx context.Context, url string) (threats []string, err error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { telemetry.ObserveCollaborator("safety", err == nil, time.Since(start)) }()

	req := &safebrowsing.GoogleSecuritySafebrowsingV4FindThreatMatchesRequest{
		Client: &safebrowsing.GoogleSecuritySafebrowsingV4ClientInfo{
			ClientId:      c.clientID,
			ClientVersion: c.clientVersion,
		},
		ThreatInfo: &safebrowsing.GoogleSecuritySafebrowsingV4ThreatInfo{
			ThreatTypes:      threatTypes,
			PlatformTypes:    platformTypes,
			ThreatEntryTypes: threatEntryTypes,
			ThreatEntries:    []*safebrowsing.GoogleSecuritySafebrowsingV4ThreatEntry{{Url: url}},
		},
	}
	resp, err := c.svc.ThreatMatches.Find(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("threatMatches.find: %w", err)
	}
	seen := make(map[string]struct{})
	for _, m := range resp.Matches {
		if m == nil || m.ThreatType == "" {
			continue
		}
		seen[m.ThreatType] = struct{}{}
	}
	for t := range seen {
		threats = append(threats, t)
	}
	sort.Strings(threats)
	return threats, nil
}
