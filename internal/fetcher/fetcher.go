// Package fetcher implements the Remote Code Fetcher (spec.md §4.5): an
// SSRF-hardened retrieval of code from a codeUrl, gated by policy and a
// per-host rate limiter. Grounded on the teacher's
// internal/middleware/middleware.go IPRateLimiter (golang.org/x/time/rate
// usage pattern), generalized from per-client-IP limiting to per-host
// fetch throttling.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"isol8/internal/ierr"
	"isol8/internal/model"
)

// Result is the validated outcome of a fetch.
type Result struct {
	Code        string
	CanonicalURL string
	Hash        string // sha256 hex
}

// Fetcher retrieves and validates remote code per an engine's
// RemoteCodePolicy.
type Fetcher struct {
	policy model.RemoteCodePolicy
	client *http.Client
	resolve func(ctx context.Context, host string) ([]net.IPAddr, error)

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Fetcher bound to one policy. client is injectable for
// tests; nil uses a default http.Client with the policy's timeout.
func New(policy model.RemoteCodePolicy, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: policy.Timeout}
	}
	return &Fetcher{
		policy:   policy,
		client:   client,
		resolve:  defaultResolve,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Fetch validates req per policy (fail-closed, §4.5 validation order)
// and, only once validation passes, retrieves and checks the body.
func (f *Fetcher) Fetch(ctx context.Context, req model.ExecutionRequest) (Result, error) {
	if !f.policy.Enabled {
		return Result{}, &ierr.PolicyDenied{Reason: "remote code fetching is disabled"}
	}
	if req.Code != "" && req.CodeURL != "" {
		return Result{}, &ierr.ConfigError{Reason: "exactly one of code or codeUrl must be set"}
	}
	if req.CodeURL == "" {
		return Result{}, &ierr.ConfigError{Reason: "codeUrl is required"}
	}

	u, err := url.Parse(req.CodeURL)
	if err != nil {
		return Result{}, &ierr.PolicyDenied{Reason: "codeUrl does not parse as a URL: " + err.Error()}
	}

	if u.Scheme == "http" && !req.AllowInsecureCodeURL {
		return Result{}, &ierr.PolicyDenied{Reason: "plain http requires allowInsecureCodeUrl"}
	}
	if !schemeAllowed(u.Scheme, f.policy.AllowedSchemes) {
		return Result{}, &ierr.PolicyDenied{Reason: fmt.Sprintf("scheme %q is not allowed", u.Scheme)}
	}

	host := u.Hostname()
	if matchesAny(host, f.policy.DenyHosts) {
		return Result{}, &ierr.PolicyDenied{Reason: fmt.Sprintf("host %q is denied", host)}
	}
	if len(f.policy.AllowHosts) > 0 && !matchesAny(host, f.policy.AllowHosts) {
		return Result{}, &ierr.PolicyDenied{Reason: fmt.Sprintf("host %q is not on the allow list", host)}
	}

	if err := f.rejectPrivateResolution(ctx, host); err != nil {
		return Result{}, err
	}

	if f.policy.RequireHash && req.CodeHash == "" {
		return Result{}, &ierr.PolicyDenied{Reason: "codeHash is required by policy"}
	}

	if err := f.limiterFor(host).Wait(ctx); err != nil {
		return Result{}, &ierr.FetchError{URL: req.CodeURL, Err: err}
	}

	body, err := f.fetchBody(ctx, req.CodeURL)
	if err != nil {
		return Result{}, &ierr.FetchError{URL: req.CodeURL, Err: err}
	}

	if strings.ContainsRune(body, 0) {
		return Result{}, &ierr.PolicyDenied{Reason: "fetched content contains NUL bytes, treated as binary"}
	}

	sum := sha256.Sum256([]byte(body))
	hash := hex.EncodeToString(sum[:])
	if req.CodeHash != "" && !strings.EqualFold(hash, req.CodeHash) {
		return Result{}, &ierr.PolicyDenied{Reason: "codeHash mismatch"}
	}

	return Result{Code: body, CanonicalURL: req.CodeURL, Hash: hash}, nil
}

func (f *Fetcher) fetchBody(ctx context.Context, rawURL string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 && resp.ContentLength > f.policy.MaxBytes {
		return "", fmt.Errorf("content-length %d exceeds max %d", resp.ContentLength, f.policy.MaxBytes)
	}

	limited := io.LimitReader(resp.Body, f.policy.MaxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", err
	}
	if int64(len(data)) > f.policy.MaxBytes {
		return "", fmt.Errorf("body exceeds max %d bytes", f.policy.MaxBytes)
	}

	if !isValidUTF8Strict(data) {
		return "", fmt.Errorf("body is not valid UTF-8")
	}

	return string(data), nil
}

func (f *Fetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10)
		f.limiters[host] = l
	}
	return l
}

func (f *Fetcher) rejectPrivateResolution(ctx context.Context, host string) error {
	addrs, err := f.resolve(ctx, host)
	if err != nil {
		return &ierr.FetchError{URL: host, Err: err}
	}
	for _, a := range addrs {
		if isPrivateOrReserved(a.IP) {
			return &ierr.PolicyDenied{Reason: fmt.Sprintf("host %q resolves to a private/reserved address %s", host, a.IP)}
		}
	}
	return nil
}

func defaultResolve(ctx context.Context, host string) ([]net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IPAddr{{IP: ip}}, nil
	}
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}

func schemeAllowed(scheme string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, scheme) {
			return true
		}
	}
	return false
}

func matchesAny(host string, patterns []string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// privateV4Ranges is the octet-precise table from spec.md §4.5.
var privateV4Ranges = []*net.IPNet{
	mustCIDR("10.0.0.0/8"),
	mustCIDR("127.0.0.0/8"),
	mustCIDR("169.254.0.0/16"),
	mustCIDR("172.16.0.0/12"), // 172.16.0.0 - 172.31.255.255
	mustCIDR("192.168.0.0/16"),
	mustCIDR("100.64.0.0/10"),
	mustCIDR("0.0.0.0/8"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

func isPrivateOrReserved(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		for _, n := range privateV4Ranges {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	if ip.Equal(net.IPv6loopback) {
		return true
	}
	if ip[0] == 0xfc || ip[0] == 0xfd { // fc00::/7
		return true
	}
	if ip[0] == 0xfe && (ip[1]&0xc0) == 0x80 { // fe80::/10
		return true
	}
	return false
}

func isValidUTF8Strict(b []byte) bool {
	return utf8.Valid(b)
}
