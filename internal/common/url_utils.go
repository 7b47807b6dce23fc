package common

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"
)

// testURLHosts only resolve meaningfully inside a development environment.
var testURLHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

// ValidateFetchURL checks that a fetch target is a well-formed absolute HTTP(S)
// URL and reports whether it points at a test host (localhost/loopback).
// Returns (isValid, isTestURL, warnings, err).
func ValidateFetchURL(rawURL string, logger arbor.ILogger) (bool, bool, []string, error) {
	var warnings []string

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false, false, warnings, fmt.Errorf("failed to parse URL: %w", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false, false, warnings, fmt.Errorf("unsupported URL scheme %q (only http and https are allowed)", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return false, false, warnings, fmt.Errorf("URL has no host: %s", rawURL)
	}

	isTest := isTestHost(host)
	if isTest {
		warnings = append(warnings, fmt.Sprintf("URL %s targets test host %s", rawURL, host))
		if logger != nil {
			logger.Debug().
				Str("url", rawURL).
				Str("host", host).
				Msg("Fetch target is a test URL")
		}
	}

	return true, isTest, warnings, nil
}

// isTestHost reports whether the host is localhost or a loopback address
func isTestHost(host string) bool {
	if testURLHosts[strings.ToLower(host)] {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
