package fetcher

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUpstreamUnavailable covers network failures, timeouts, and
	// non-2xx responses other than credential rejections.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamMalformed indicates a response that did not match the
	// provider's documented shape.
	ErrUpstreamMalformed = errors.New("upstream response malformed")
	// ErrUpstreamAuthFailed indicates the provider rejected our credentials.
	ErrUpstreamAuthFailed = errors.New("upstream auth failed")
)

func classifyStatus(provider string, status int, payload []byte) error {
	base := ErrUpstreamUnavailable
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		base = ErrUpstreamAuthFailed
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg != "" {
		return fmt.Errorf("%w: %s returned %d: %s", base, provider, status, msg)
	}
	return fmt.Errorf("%w: %s returned %d", base, provider, status)
}

func malformed(provider, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrUpstreamMalformed, provider, detail)
}

func unavailable(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, provider, err)
}
