package fetcher

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isol8/internal/ierr"
	"isol8/internal/model"
)

func testPolicy() model.RemoteCodePolicy {
	return model.RemoteCodePolicy{
		Enabled:        true,
		AllowedSchemes: []string{"https", "http"},
		MaxBytes:       1 << 10,
		Timeout:        2 * time.Second,
	}
}

func TestFetchRejectsBothCodeAndCodeURL(t *testing.T) {
	f := New(testPolicy(), nil)
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{Code: "x", CodeURL: "https://example.com/a.py"})
	var ce *ierr.ConfigError
	require.ErrorAs(t, err, &ce)
}

func TestFetchRejectsPlainHTTPWithoutOptIn(t *testing.T) {
	f := New(testPolicy(), nil)
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "http://example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchRejectsDisallowedScheme(t *testing.T) {
	p := testPolicy()
	p.AllowedSchemes = []string{"https"}
	f := New(p, nil)
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "ftp://example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchRejectsDeniedHost(t *testing.T) {
	p := testPolicy()
	p.DenyHosts = []string{`evil\.example\.com`}
	f := New(p, nil)
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "https://evil.example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchRejectsHostNotOnAllowList(t *testing.T) {
	p := testPolicy()
	p.AllowHosts = []string{`good\.example\.com`}
	f := New(p, nil)
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "https://other.example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchRejectsPrivateIPResolution(t *testing.T) {
	f := New(testPolicy(), nil)
	f.resolve = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil
	}
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "https://internal.example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchRejectsPrivateIPv6Resolution(t *testing.T) {
	f := New(testPolicy(), nil)
	f.resolve = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("fc00::1")}}, nil
	}
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "https://internal.example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchRequiresHashWhenPolicyMandatesIt(t *testing.T) {
	p := testPolicy()
	p.RequireHash = true
	f := New(p, nil)
	f.resolve = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "https://example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchSucceedsAndVerifiesHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("print('hi')"))
	}))
	defer srv.Close()

	p := testPolicy()
	f := New(p, srv.Client())
	f.resolve = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("8.8.8.8")}}, nil
	}

	res, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: srv.URL, AllowInsecureCodeURL: true})
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", res.Code)
	assert.Equal(t, "c2d0a5e0790d97a015387a995c0d0b5eb3e88138466586fc980787c9b1731eb8", res.Hash)
}

func TestFetchRejectsHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("print('hi')"))
	}))
	defer srv.Close()

	f := New(testPolicy(), srv.Client())
	f.resolve = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("8.8.8.8")}}, nil
	}

	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: srv.URL, CodeHash: "deadbeef", AllowInsecureCodeURL: true})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	p := testPolicy()
	p.MaxBytes = 10
	f := New(p, srv.Client())
	f.resolve = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("8.8.8.8")}}, nil
	}

	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: srv.URL, AllowInsecureCodeURL: true})
	require.Error(t, err)
}

func TestFetchDisabledPolicyDenies(t *testing.T) {
	p := testPolicy()
	p.Enabled = false
	f := New(p, nil)
	_, err := f.Fetch(context.Background(), model.ExecutionRequest{CodeURL: "https://example.com/a.py"})
	var pd *ierr.PolicyDenied
	require.ErrorAs(t, err, &pd)
}
