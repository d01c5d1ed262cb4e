package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaproxy/internal/events"
	"github.com/vyrodovalexey/avaproxy/internal/middleware"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/rules"
)

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// captured is what a stub upstream saw.
type captured struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (c *captured) last() *http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reqs) == 0 {
		return nil
	}
	return c.reqs[len(c.reqs)-1]
}

// recordingTransport answers 200 "ok" and remembers each request.
func recordingTransport() (*captured, http.RoundTripper) {
	c := &captured{}
	return c, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		c.mu.Lock()
		c.reqs = append(c.reqs, req)
		c.mu.Unlock()
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"X-Upstream": []string{"stub"}},
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    req,
		}, nil
	})
}

func okTransport() http.RoundTripper {
	_, rt := recordingTransport()
	return rt
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func proxyClient(t *testing.T, proxyAddr string) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
}

func get(t *testing.T, client *http.Client, rawURL string) string {
	t.Helper()
	resp, err := client.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// eventLog collects every event kind from an engine.
type eventLog struct {
	mu             sync.Mutex
	proxies        []events.ProxyEvent
	responseErrors []events.ResponseErrorEvent
	errs           []events.ErrorEvent
}

func recordEvents(e *Engine) *eventLog {
	l := &eventLog{}
	e.Events().OnProxy(func(ev events.ProxyEvent) {
		l.mu.Lock()
		l.proxies = append(l.proxies, ev)
		l.mu.Unlock()
	})
	e.Events().OnResponseError(func(ev events.ResponseErrorEvent) {
		l.mu.Lock()
		l.responseErrors = append(l.responseErrors, ev)
		l.mu.Unlock()
	})
	e.Events().OnError(func(ev events.ErrorEvent) {
		l.mu.Lock()
		l.errs = append(l.errs, ev)
		l.mu.Unlock()
	})
	return l
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestForward_RewriteScenario(t *testing.T) {
	t.Parallel()

	upstream, rt := recordingTransport()
	e := New(WithTransport(rt))
	log := recordEvents(e)
	require.NoError(t, e.AddRule(rules.Rule{Match: "http://a.example", Target: "http://b.internal:9000"}))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/foo?x=1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "stub", rec.Header().Get("X-Upstream"))

	out := upstream.last()
	require.NotNil(t, out)
	assert.Equal(t, "http://b.internal:9000/foo?x=1", out.URL.String())
	assert.Empty(t, out.Host, "host follows the target")

	require.Len(t, log.proxies, 1)
	assert.Equal(t, events.ProxyEvent{
		Method:  "GET",
		Origin:  "http://a.example/foo?x=1",
		Target:  "http://b.internal:9000/foo?x=1",
		Rewrite: true,
	}, log.proxies[0])
}

func TestForward_PrefixMatching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		rules      []rules.Rule
		requestURL string
		wantTarget string
		rewrite    bool
	}{
		{
			name:       "exact origin",
			rules:      []rules.Rule{{Match: "http://a.example", Target: "http://t1"}},
			requestURL: "http://a.example/p",
			wantTarget: "http://t1/p",
			rewrite:    true,
		},
		{
			name:       "origin prefix spans the port",
			rules:      []rules.Rule{{Match: "http://a.example", Target: "http://t1"}},
			requestURL: "http://a.example:8081/p",
			wantTarget: "http://t1/p",
			rewrite:    true,
		},
		{
			name:       "first match wins over longer prefix",
			rules:      []rules.Rule{{Match: "http://a", Target: "http://short"}, {Match: "http://a.example", Target: "http://long"}},
			requestURL: "http://a.example/",
			wantTarget: "http://short/",
			rewrite:    true,
		},
		{
			name:       "target trailing slash is trimmed",
			rules:      []rules.Rule{{Match: "http://a.example", Target: "http://t1/"}},
			requestURL: "http://a.example/p?q=%20x",
			wantTarget: "http://t1/p?q=%20x",
			rewrite:    true,
		},
		{
			name:       "target without scheme defaults to http",
			rules:      []rules.Rule{{Match: "http://a.example", Target: "t1:9000"}},
			requestURL: "http://a.example/",
			wantTarget: "http://t1:9000/",
			rewrite:    true,
		},
		{
			name:       "target path is a prefix",
			rules:      []rules.Rule{{Match: "http://a.example", Target: "http://t1/base"}},
			requestURL: "http://a.example/p",
			wantTarget: "http://t1/base/p",
			rewrite:    true,
		},
		{
			name:       "path does not participate in matching",
			rules:      []rules.Rule{{Match: "http://a.example/api", Target: "http://t1"}},
			requestURL: "http://a.example/api/x",
			wantTarget: "http://a.example/api/x",
		},
		{
			name:       "no rule passes through",
			rules:      []rules.Rule{{Match: "http://other", Target: "http://t1"}},
			requestURL: "http://c.example/bar",
			wantTarget: "http://c.example/bar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			upstream, rt := recordingTransport()
			e := New(WithTransport(rt))
			log := recordEvents(e)
			for _, r := range tt.rules {
				require.NoError(t, e.AddRule(r))
			}

			rec := serve(e, httptest.NewRequest(http.MethodGet, tt.requestURL, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			assert.Equal(t, tt.wantTarget, upstream.last().URL.String())
			require.Len(t, log.proxies, 1)
			assert.Equal(t, tt.wantTarget, log.proxies[0].Target)
			assert.Equal(t, tt.rewrite, log.proxies[0].Rewrite)
		})
	}
}

func TestForward_PassThroughScenario(t *testing.T) {
	t.Parallel()

	upstream, rt := recordingTransport()
	e := New(WithTransport(rt))
	log := recordEvents(e)

	req := httptest.NewRequest(http.MethodGet, "http://c.example/bar", nil)
	req.Header.Set("X-Client", "1")
	rec := serve(e, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	out := upstream.last()
	assert.Equal(t, "http://c.example/bar", out.URL.String())
	assert.Equal(t, "c.example", out.Host)
	assert.Equal(t, "1", out.Header.Get("X-Client"))

	require.Len(t, log.proxies, 1)
	assert.False(t, log.proxies[0].Rewrite)
	assert.Equal(t, "http://c.example/bar", log.proxies[0].Origin)
	assert.Equal(t, "http://c.example/bar", log.proxies[0].Target)
}

func TestForward_OriginFormUsesHostHeader(t *testing.T) {
	t.Parallel()

	upstream, rt := recordingTransport()
	e := New(WithTransport(rt))
	require.NoError(t, e.AddRule(rules.Rule{Match: "http://a.example:8080", Target: "http://b.internal"}))

	req := httptest.NewRequest(http.MethodGet, "/path", nil)
	req.Host = "a.example:8080"
	serve(e, req)

	assert.Equal(t, "http://b.internal/path", upstream.last().URL.String())
}

func TestForward_HeaderOverlay(t *testing.T) {
	t.Parallel()

	upstream, rt := recordingTransport()
	e := New(WithTransport(rt))
	require.NoError(t, e.AddRule(rules.Rule{
		Match:  "http://a.example",
		Target: "http://b.internal",
		Headers: map[string]string{
			"X-Env":         "staging",
			"x-added":       "new",
			"Host":          "override.example",
			"Authorization": "Bearer rule",
		},
	}))

	req := httptest.NewRequest(http.MethodPost, "http://a.example/submit", strings.NewReader("payload"))
	req.Header.Set("X-Env", "prod")
	req.Header.Set("X-Keep", "kept")
	req.Header.Add("X-Multi", "one")
	req.Header.Add("X-Multi", "two")
	req.Header.Set("Authorization", "Bearer client")
	req.Header.Set("Cookie", "a=b")

	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)

	out := upstream.last()
	assert.Equal(t, "staging", out.Header.Get("X-Env"), "overridden")
	assert.Equal(t, "new", out.Header.Get("X-Added"), "added")
	assert.Equal(t, "Bearer rule", out.Header.Get("Authorization"))
	assert.Equal(t, "kept", out.Header.Get("X-Keep"), "untouched")
	assert.Equal(t, []string{"one", "two"}, out.Header.Values("X-Multi"))
	assert.Equal(t, "a=b", out.Header.Get("Cookie"))
	assert.Equal(t, "override.example", out.Host)
	assert.Empty(t, out.Header.Get("Host"))

	body, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestForward_RuleHeadersAreFinal(t *testing.T) {
	t.Parallel()

	upstream, rt := recordingTransport()
	e := New(WithTransport(rt))
	require.NoError(t, e.AddRule(rules.Rule{
		Match:  "http://a.example",
		Target: "http://b.internal",
		Headers: map[string]string{
			"X-Forwarded-For": "10.9.9.9",
			"Te":              "trailers",
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "http://a.example/", nil)
	req.Header.Set("X-Forwarded-For", "1.1.1.1")

	rec := serve(e, req)
	require.Equal(t, http.StatusOK, rec.Code)

	out := upstream.last()
	assert.Equal(t, []string{"10.9.9.9"}, out.Header.Values("X-Forwarded-For"))
	assert.Equal(t, "trailers", out.Header.Get("Te"))
}

func TestForward_ForwardedHeadersPassUnchanged(t *testing.T) {
	t.Parallel()

	upstream, rt := recordingTransport()
	e := New(WithTransport(rt))
	require.NoError(t, e.AddRule(rules.Rule{Match: "http://a.example", Target: "http://b.internal"}))

	for _, origin := range []string{"http://a.example/", "http://c.example/"} {
		req := httptest.NewRequest(http.MethodGet, origin, nil)
		req.Header.Set("X-Forwarded-For", "1.1.1.1")
		req.Header.Set("X-Forwarded-Proto", "https")

		rec := serve(e, req)
		require.Equal(t, http.StatusOK, rec.Code)

		out := upstream.last()
		assert.Equal(t, []string{"1.1.1.1"}, out.Header.Values("X-Forwarded-For"), origin)
		assert.Equal(t, "https", out.Header.Get("X-Forwarded-Proto"), origin)
		assert.Empty(t, out.Header.Get("X-Forwarded-Host"), origin)
	}
}

func TestForward_StreamsRealUpstream(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Host", r.Host)
		w.Header().Set("X-Seen-Env", r.Header.Get("X-Env"))
		w.WriteHeader(http.StatusAccepted)
		for _, chunk := range []string{"a", "b", "c"} {
			_, _ = io.WriteString(w, chunk)
			w.(http.Flusher).Flush()
		}
		_, _ = w.Write(body)
	}))
	defer backend.Close()

	e := New()
	require.NoError(t, e.AddRule(rules.Rule{
		Match:   "http://a.example",
		Target:  backend.URL,
		Headers: map[string]string{"X-Env": "staging"},
	}))

	rec := serve(e, httptest.NewRequest(http.MethodPut, "http://a.example/up", strings.NewReader("-body")))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "abc-body", rec.Body.String())
	assert.Equal(t, backend.Listener.Addr().String(), rec.Header().Get("X-Seen-Host"))
	assert.Equal(t, "staging", rec.Header().Get("X-Seen-Env"))
	assert.True(t, rec.Flushed)
}

func TestForward_RefusedConnectionThenRecovers(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "alive")
	}))
	defer backend.Close()

	e := New()
	log := recordEvents(e)
	require.NoError(t, e.AddRule(rules.Rule{Match: "http://dead.example", Target: "http://" + deadAddr}))
	require.NoError(t, e.AddRule(rules.Rule{Match: "http://live.example", Target: backend.URL}))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "http://dead.example/x", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "bad gateway", body.Error)
	assert.Contains(t, body.Message, ErrUpstreamUnavailable.Error())

	require.Len(t, log.responseErrors, 1)
	assert.Equal(t, http.StatusBadGateway, log.responseErrors[0].Status)
	assert.Contains(t, log.responseErrors[0].Message, deadAddr)
	assert.Equal(t, "http://"+deadAddr+"/x", log.responseErrors[0].Target)

	rec = serve(e, httptest.NewRequest(http.MethodGet, "http://live.example/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
	assert.Len(t, log.responseErrors, 1)
	assert.Empty(t, log.errs)
}

func TestForward_UpstreamTimeout(t *testing.T) {
	t.Parallel()

	slow := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	e := New(WithTransport(slow), WithTimeout(50*time.Millisecond))
	log := recordEvents(e)

	start := time.Now()
	rec := serve(e, httptest.NewRequest(http.MethodGet, "http://slow.example/", nil))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, ErrUpstreamTimeout.Error())
	require.Len(t, log.responseErrors, 1)
	assert.Equal(t, http.StatusGatewayTimeout, log.responseErrors[0].Status)
}

func TestForward_ClientCancelIsNotAResponseError(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	blocking := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		close(started)
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	e := New(WithTransport(blocking))
	log := recordEvents(e)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "http://a.example/", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(e, req)
	}()

	<-started
	cancel()
	<-done

	assert.Empty(t, log.responseErrors)
	assert.Empty(t, log.errs)
}

func TestForward_InvalidRuleTarget(t *testing.T) {
	t.Parallel()

	e := New(WithTransport(okTransport()))
	log := recordEvents(e)
	require.NoError(t, e.AddRule(rules.Rule{Match: "http://a.example", Target: "http://bad host"}))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Len(t, log.responseErrors, 1)
	assert.Contains(t, log.responseErrors[0].Message, ErrInvalidTargetURL.Error())
	assert.Empty(t, log.proxies)
}

func TestForward_Connect(t *testing.T) {
	t.Parallel()

	e := New(WithTransport(okTransport()))
	log := recordEvents(e)

	req := httptest.NewRequest(http.MethodConnect, "a.example:443", nil)
	rec := serve(e, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, ErrTunnelNotSupported.Error(), decodeError(t, rec).Message)
	assert.Empty(t, log.proxies)
}

func TestForward_MissingHost(t *testing.T) {
	t.Parallel()

	e := New(WithTransport(okTransport()))
	req := httptest.NewRequest(http.MethodGet, "/no-host", nil)
	req.Host = ""

	rec := serve(e, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrMissingHost.Error(), decodeError(t, rec).Message)
}

func TestForward_PanicIsIsolated(t *testing.T) {
	t.Parallel()

	var calls int
	flaky := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			panic("transport exploded")
		}
		return okTransport().RoundTrip(req)
	})

	e := New(WithTransport(flaky))
	log := recordEvents(e)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeError(t, rec).Error)
	require.Len(t, log.errs, 1)
	assert.Contains(t, log.errs[0].Err.Error(), "transport exploded")

	rec = serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, log.errs, 1)
}

func TestForward_PanickingTracerIsIsolated(t *testing.T) {
	t.Parallel()

	e := New(WithTransport(okTransport()))
	log := recordEvents(e)
	e.SetDebugHandler(events.TracerFunc(func(...any) { panic("tracer broke") }))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, log.errs, 1)

	e.SetDebug(false)
	rec = serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForward_AbortHandlerIsReraised(t *testing.T) {
	t.Parallel()

	aborting := roundTripFunc(func(*http.Request) (*http.Response, error) {
		panic(http.ErrAbortHandler)
	})
	e := New(WithTransport(aborting))
	log := recordEvents(e)

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/", nil))
	})
	assert.Empty(t, log.errs)
}

func TestForward_LoopIsRejected(t *testing.T) {
	t.Parallel()

	e := New()
	log := recordEvents(e)
	require.NoError(t, e.Start(context.Background(), "127.0.0.1", 0))
	defer func() { _ = e.Stop(context.Background()) }()

	resp, err := http.Get("http://" + e.Addr() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusLoopDetected, resp.StatusCode)
	require.Len(t, log.responseErrors, 1)
	assert.Equal(t, http.StatusLoopDetected, log.responseErrors[0].Status)
	assert.Empty(t, log.proxies)
}

func TestForward_RequestIDReachesEvents(t *testing.T) {
	t.Parallel()

	e := New(
		WithTransport(okTransport()),
		WithMiddleware(middleware.RequestIDWithGenerator(func() string { return "rid-1" })),
	)
	log := recordEvents(e)

	serve(e.Handler(), httptest.NewRequest(http.MethodGet, "http://a.example/", nil))

	require.Len(t, log.proxies, 1)
	assert.Equal(t, "rid-1", log.proxies[0].RequestID)
}

func TestForward_ConcurrentRequestsDuringReload(t *testing.T) {
	t.Parallel()

	old := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "old")
	}))
	defer old.Close()
	fresh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "new")
	}))
	defer fresh.Close()

	e := New(WithLogger(observability.NopLogger()))
	e.ReplaceRules([]rules.Rule{{Match: "http://a.example", Target: old.URL}})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				rec := serve(e, httptest.NewRequest(http.MethodGet, "http://a.example/", nil))
				if !assert.Equal(t, http.StatusOK, rec.Code) {
					return
				}
				assert.Contains(t, []string{"old", "new"}, rec.Body.String())
			}
		}()
	}

	for i := range 20 {
		target := old.URL
		if i%2 == 1 {
			target = fresh.URL
		}
		e.ReplaceRules([]rules.Rule{{Match: "http://a.example", Target: target}})
	}
	wg.Wait()
}

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://b", normalizeTarget("http://b/"))
	assert.Equal(t, "http://b", normalizeTarget("b"))
	assert.Equal(t, "https://b:8443", normalizeTarget("https://b:8443//"))
}

func TestContextFrom(t *testing.T) {
	t.Parallel()

	assert.Nil(t, contextFrom(context.Background()))

	fc := &Context{Method: "GET"}
	assert.Same(t, fc, contextFrom(contextWith(context.Background(), fc)))
	assert.False(t, fc.Rewrite())
	assert.True(t, (&Context{Rule: &rules.Rule{}}).Rewrite())
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New().writeError(rec, http.StatusGatewayTimeout, "slow")

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "gateway timeout", body.Error)
	assert.Equal(t, "slow", body.Message)
}
