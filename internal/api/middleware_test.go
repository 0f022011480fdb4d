package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/credvault/internal/storage"
)

func loginFrom(ts *testServer, remoteAddr, forwardedFor string) int {
	body := []byte(`{"email":"nobody@x.com","password":"guess123"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitIgnoresForwardedHeaders(t *testing.T) {
	ts := newTestServer(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	limited := 0
	for i := range 20 {
		code := loginFrom(ts, "192.0.2.1:40000", fmt.Sprintf("10.0.0.%d", i))
		if code == http.StatusTooManyRequests {
			limited++
		} else {
			assert.Equal(t, http.StatusUnauthorized, code)
		}
	}
	assert.Equal(t, 18, limited)

	// A different peer has its own bucket.
	assert.Equal(t, http.StatusUnauthorized, loginFrom(ts, "192.0.2.2:40000", ""))

	entries, err := ts.store.QueryAuditLog(context.Background(), storage.AuditFilter{Path: "/api/auth/login"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Contains(t, []string{"192.0.2.1", "192.0.2.2"}, e.ClientIP)
	}
}

func TestRateLimitHonoursTrustedProxy(t *testing.T) {
	ts := newTestServer(t, Config{
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	})

	// Behind the proxy each forwarded client gets its own bucket.
	assert.Equal(t, http.StatusUnauthorized, loginFrom(ts, "192.0.2.10:40000", "203.0.113.1"))
	assert.Equal(t, http.StatusUnauthorized, loginFrom(ts, "192.0.2.10:40000", "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, loginFrom(ts, "192.0.2.10:40000", "203.0.113.1"))

	// Outside the trusted range the header is ignored.
	assert.Equal(t, http.StatusUnauthorized, loginFrom(ts, "198.51.100.5:40000", "203.0.113.3"))
	assert.Equal(t, http.StatusTooManyRequests, loginFrom(ts, "198.51.100.5:40000", "203.0.113.4"))

	entries, err := ts.store.QueryAuditLog(context.Background(), storage.AuditFilter{Path: "/api/auth/login"})
	require.NoError(t, err)
	ips := make([]string, 0, len(entries))
	for _, e := range entries {
		ips = append(ips, e.ClientIP)
	}
	assert.ElementsMatch(t, []string{"203.0.113.1", "203.0.113.2", "198.51.100.5"}, ips)
}

func TestRateLimiterSweepsStaleVisitors(t *testing.T) {
	l := newIPRateLimiter(1, 1)
	stale := time.Now().Add(-2 * visitorTTL)
	for i := range visitorSweepSize {
		l.visitors[fmt.Sprintf("10.%d.%d.1", i/256, i%256)] = &visitor{lastSeen: stale}
	}

	assert.True(t, l.allow("192.0.2.1"))
	assert.Len(t, l.visitors, 1)
	assert.False(t, l.allow("192.0.2.1"))
}

func TestPeerTrusted(t *testing.T) {
	trusted := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}
	assert.True(t, peerTrusted("10.1.2.3:443", trusted))
	assert.True(t, peerTrusted("[::1]:443", trusted))
	assert.True(t, peerTrusted("[::ffff:10.0.0.1]:443", trusted))
	assert.False(t, peerTrusted("192.0.2.1:443", trusted))
	assert.False(t, peerTrusted("garbage", trusted))
}
