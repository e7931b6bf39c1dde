package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

var fatalTokens = []string{
	"unsupported protocol scheme",
	"invalid url",
	"missing url",
	"invalid proxy",
	"invalid port",
	"forbidden domain",
	"robots.txt",
}

var transientTokens = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"no such host",
	"tls handshake",
	"proxyconnect",
	"server closed",
}

// classifyError maps a transport error onto the failure taxonomy.
func classifyError(err error) (crawler.FailureKind, string) {
	if err == nil {
		return crawler.FailureNetwork, "unknown error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawler.FailureNetwork, "timeout"
	}
	msg := strings.ToLower(err.Error())
	for _, token := range fatalTokens {
		if strings.Contains(msg, token) {
			return crawler.FailureFatal, token
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return crawler.FailureNetwork, "timeout"
		}
		return crawler.FailureNetwork, "network error"
	}
	for _, token := range transientTokens {
		if strings.Contains(msg, token) {
			return crawler.FailureNetwork, token
		}
	}
	return crawler.FailureNetwork, "transport error"
}

// classifyStatus maps non-2xx statuses. ok is true for 2xx.
func classifyStatus(code int) (kind crawler.FailureKind, reason string, ok bool) {
	reason = fmt.Sprintf("http %d", code)
	switch {
	case code >= 200 && code < 300:
		return "", "", true
	case code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return crawler.FailureBlocked, reason, false
	case code == http.StatusNotFound, code == http.StatusGone:
		return crawler.FailureValidation, reason, false
	case code == http.StatusRequestTimeout:
		return crawler.FailureNetwork, reason, false
	case code >= 400 && code < 500:
		return crawler.FailureFatal, reason, false
	default:
		return crawler.FailureNetwork, reason, false
	}
}

func validateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("target url %q: missing host", raw)
	}
	return nil
}

func validateProxy(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse proxy endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("proxy endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("proxy endpoint %q: missing host", raw)
	}
	return nil
}
