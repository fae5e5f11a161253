package securefetch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuk-labs/usagebar/pkg/logger"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c := New(DefaultConfig(), logger.NewNop(), nil)
	c.insecureAllowPrivate = true
	return c
}

func TestClassifyBlockedRanges(t *testing.T) {
	blocked := []string{
		"127.0.0.1", "10.1.2.3", "172.16.0.1", "192.168.1.1",
		"169.254.169.254", "100.64.0.1", "0.0.0.0", "240.0.0.1",
		"192.0.0.1", "198.18.0.1", "224.0.0.1",
		"::1", "fe80::1", "fc00::1", "fd12::1", "ff02::1",
		"2001::1", "100::1", "::ffff:127.0.0.1",
	}
	for _, s := range blocked {
		assert.True(t, IsBlockedIP(net.ParseIP(s)), s)
	}

	allowed := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2606:4700::1111"}
	for _, s := range allowed {
		assert.False(t, IsBlockedIP(net.ParseIP(s)), s)
	}
}

func TestFetchRejectsBadURLs(t *testing.T) {
	c := New(DefaultConfig(), logger.NewNop(), nil)
	cases := map[string]ErrorKind{
		"ftp://example.com/":       KindInvalidURL,
		"file:///etc/passwd":       KindInvalidURL,
		"http://":                  KindInvalidURL,
		"http://127.0.0.1/":        KindBlockedAddress,
		"http://[::1]/":            KindBlockedAddress,
		"http://[::ffff:8.8.8.8]/": KindBlockedAddress,
		"http://10.0.0.5/admin":    KindBlockedAddress,
	}
	for raw, kind := range cases {
		_, err := c.Fetch(context.Background(), Request{URL: raw})
		require.Error(t, err, raw)
		assert.Equal(t, kind, KindOf(err), raw)
	}
}

func TestFetchBlockedBeforeConnect(t *testing.T) {
	var dialled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dialled = true
	}))
	defer srv.Close()

	c := New(DefaultConfig(), logger.NewNop(), nil)
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, KindBlockedAddress, KindOf(err))
	assert.False(t, dialled, "no TCP connect may be observed")
}

func TestFetchHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(t)
	resp, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.EqualValues(t, 0, c.InFlight())
}

func TestFetchPost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body := make([]byte, 4)
		_, _ = r.Body.Read(body)
		assert.Equal(t, "ping", string(body))
	}))
	defer srv.Close()

	c := testClient(t)
	_, err := c.Fetch(context.Background(), Request{Method: http.MethodPost, URL: srv.URL, Body: []byte("ping")})
	require.NoError(t, err)
}

func TestFetchRejectsOtherMethods(t *testing.T) {
	c := testClient(t)
	_, err := c.Fetch(context.Background(), Request{Method: "DELETE", URL: "http://example.com/"})
	assert.Equal(t, KindInvalidURL, KindOf(err))
}

func TestFetchDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	c := testClient(t)
	resp, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
}

func TestFetchStreamedSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		chunk := strings.Repeat("x", 64*1024)
		for i := 0; i < 40; i++ {
			_, _ = w.Write([]byte(chunk))
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxResponseSize = 1 << 20
	c := New(cfg, logger.NewNop(), nil)
	c.insecureAllowPrivate = true

	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindResponseTooLarge, fe.Kind)
	assert.EqualValues(t, cfg.MaxResponseSize, fe.Max)
}

func TestFetchContentLengthHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "999999999")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t)
	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, KindResponseTooLarge, KindOf(err))
}

func TestPermitCounterNeverExceedsMax(t *testing.T) {
	pc := newPermitCounter(4)
	var wg sync.WaitGroup
	var acquired []*permit
	var mu sync.Mutex
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g := pc.acquire(); g != nil {
				mu.Lock()
				acquired = append(acquired, g)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, acquired, 4)
	assert.EqualValues(t, 4, pc.current())

	for _, g := range acquired {
		g.release()
		g.release() // double release must not underflow
	}
	assert.EqualValues(t, 0, pc.current())
}

func TestFetchPermitReleasedOnError(t *testing.T) {
	c := New(DefaultConfig(), logger.NewNop(), nil)
	_, err := c.Fetch(context.Background(), Request{URL: "http://127.0.0.1/"})
	require.Error(t, err)
	assert.EqualValues(t, 0, c.InFlight())
}

func TestFetchTooManyRequests(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	c := New(cfg, logger.NewNop(), nil)
	c.insecureAllowPrivate = true

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = c.Fetch(context.Background(), Request{URL: srv.URL})
	}()
	<-started
	require.Eventually(t, func() bool { return c.InFlight() == 1 }, 2*time.Second, time.Millisecond)

	_, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, KindTooManyRequests, KindOf(err))
}

func TestTransportBuilderFallbackThenDisable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t)
	c.transportBuilder = func(pinned, host string) (http.RoundTripper, error) {
		return nil, errors.New("builder broken")
	}

	// First failure: fallback transport carries the request.
	resp, err := c.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	// Second failure: fetch is disabled for the session.
	_, err = c.Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, KindClientNotInitialized, KindOf(err))

	_, err = c.Fetch(context.Background(), Request{URL: srv.URL})
	assert.Equal(t, KindClientNotInitialized, KindOf(err))
}

func TestDNSPinning(t *testing.T) {
	// The dialer must use the pinned address, never re-resolving the host:
	// dialling a name that does not exist anywhere succeeds because the pin
	// points at a live local listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr == nil {
			conn.Close()
		}
	}()

	c := testClient(t)
	rt, err := c.buildTransport("127.0.0.1", "rebind.test")
	require.NoError(t, err)
	tr := rt.(*http.Transport)

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	conn, err := tr.DialContext(context.Background(), "tcp", net.JoinHostPort("rebind.test", port))
	require.NoError(t, err)
	conn.Close()
}
