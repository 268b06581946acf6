package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>".
const SignatureHeader = "X-Scrapeforge-Signature"

// DefaultBackoff is the wait before each retry.
var DefaultBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	URL          string
	Secret       string // Empty = unsigned.
	Timeout      time.Duration
	AllowPrivate bool // Skip the private-address check (tests, internal receivers).
	Backoff      []time.Duration
}

// WebhookSender posts payloads to a configured URL with retries.
// Includes SSRF protection: blocks requests to private IP ranges.
type WebhookSender struct {
	cfg    WebhookConfig
	client *resty.Client
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewWebhookSender validates the target and creates a sender.
func NewWebhookSender(cfg WebhookConfig, logger *slog.Logger) (*WebhookSender, error) {
	if !cfg.AllowPrivate {
		if err := validateWebhookURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("webhook URL rejected: %w", err)
		}
	} else if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("webhook URL rejected: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		// Redirects could point the request at an internal host.
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "ScrapeForge-Webhook/1.0")

	return &WebhookSender{
		cfg:    cfg,
		client: client,
		sleep:  sleepCtx,
		logger: logger,
	}, nil
}

func (s *WebhookSender) Type() string { return "webhook" }

// Send posts p, retrying on transport errors and non-2xx responses.
func (s *WebhookSender) Send(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	sig := Sign(s.cfg.Secret, body)

	var lastErr error
	for attempt := 0; attempt <= len(s.cfg.Backoff); attempt++ {
		if attempt > 0 {
			wait := s.cfg.Backoff[attempt-1]
			s.logger.DebugContext(ctx, "retrying webhook",
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
				slog.String("error", lastErr.Error()),
			)
			if err := s.sleep(ctx, wait); err != nil {
				return fmt.Errorf("webhook canceled after %d attempts: %w", attempt, lastErr)
			}
		}
		if lastErr = s.post(ctx, body, sig); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", len(s.cfg.Backoff)+1, lastErr)
}

func (s *WebhookSender) post(ctx context.Context, body []byte, sig string) error {
	req := s.client.R().SetContext(ctx).SetBody(body)
	if sig != "" {
		req.SetHeader(SignatureHeader, sig)
	}
	resp, err := req.Post(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if !resp.IsSuccess() {
		snippet := resp.String()
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), snippet)
	}
	return nil
}

// Sign returns the signature header value for body, or "" without a secret.
func Sign(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the valid signature of body.
func Verify(secret string, body []byte, sig string) bool {
	want := Sign(secret, body)
	return want != "" && hmac.Equal([]byte(want), []byte(sig))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// validateWebhookURL checks that the URL points to a public host.
// Blocks private IPs, loopback, link-local, and non-HTTP schemes.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("missing host")
	}

	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
