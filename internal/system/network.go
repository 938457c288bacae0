package system

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	apperrors "github.com/jxwalker/maintsync/internal/errors"
)

// Probe answers whether the API host looks reachable right now. It resolves
// the host and opens a TCP connection; no HTTP request is made.
type Probe struct {
	host string
	port string
	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration
}

// NewProbe targets the host of baseURL, defaulting the port from its scheme.
func NewProbe(baseURL string) (*Probe, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return &Probe{host: u.Hostname(), port: port, DialTimeout: 3 * time.Second}, nil
}

func (p *Probe) Host() string { return net.JoinHostPort(p.host, p.port) }

// Check returns a NoConnectivity error when the host cannot be resolved or
// dialled.
func (p *Probe) Check(ctx context.Context) error {
	if net.ParseIP(p.host) == nil {
		resolver := &net.Resolver{}
		if _, err := resolver.LookupHost(ctx, p.host); err != nil {
			return &apperrors.Error{
				Kind:       apperrors.NoConnectivity,
				Op:         "connectivity",
				Message:    fmt.Sprintf("cannot resolve host: %s", p.host),
				Suggestion: "Check that the hostname is correct and your DNS is working",
				Err:        err,
			}
		}
	}

	dialer := &net.Dialer{Timeout: p.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Host())
	if err != nil {
		if ctx.Err() != nil {
			return apperrors.FromTransport("connectivity", ctx.Err())
		}
		return &apperrors.Error{
			Kind:    apperrors.NoConnectivity,
			Op:      "connectivity",
			Message: fmt.Sprintf("cannot connect to host: %s", p.Host()),
			Suggestion: fmt.Sprintf("Host is unreachable:\n"+
				"1. Check internet connection\n"+
				"2. Verify host is not blocked by firewall\n"+
				"3. Try: curl -I %s://%s", schemeFor(p.port), p.Host()),
			Err: err,
		}
	}
	_ = conn.Close()
	return nil
}

func schemeFor(port string) string {
	if port == "80" {
		return "http"
	}
	return "https"
}

// DetectProxySettings returns proxy configuration from environment
func DetectProxySettings() map[string]string {
	proxies := make(map[string]string)

	envVars := []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy"}

	for _, envVar := range envVars {
		if val := strings.TrimSpace(os.Getenv(envVar)); val != "" {
			proxies[envVar] = val
		}
	}

	return proxies
}
