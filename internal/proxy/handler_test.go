package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/b2-hub/internal/b2"
	"github.com/any-hub/b2-hub/internal/cache"
	"github.com/any-hub/b2-hub/internal/metrics"
	"github.com/any-hub/b2-hub/internal/server"
)

const (
	testBucket      = "assets"
	testBucketID    = "bucket-123"
	testPolicy      = "public, max-age=86400"
	testThreshold   = int64(100 * 1024 * 1024)
	testDownloadURL = "https://f000.backblazeb2.com"
	testAPIURL      = "https://api000.backblazeb2.com"
)

type fakeSessions struct {
	mu          sync.Mutex
	calls       int
	invalidated int
	session     *b2.Session
	err         error
}

func (f *fakeSessions) Session(ctx context.Context) (*b2.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func (f *fakeSessions) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

type grantCall struct {
	apiURL   string
	token    string
	bucketID string
	prefix   string
	validity int
}

type fakeBackend struct {
	mu sync.Mutex

	probeCalls int
	fetchCalls int
	grantCalls int

	size       int64
	probeErr   error
	probeURL   string
	probeQuery string

	fetchStatus int
	fetchBody   []byte
	fetchHeader http.Header
	fetchErr    error
	fetchURL    string
	// fetchReader 非空时替代 fetchBody，fetchLength 为声明的 Content-Length
	fetchReader io.ReadCloser
	fetchLength int64

	grantToken string
	grantErr   error
	lastGrant  grantCall
}

func (f *fakeBackend) Probe(ctx context.Context, session *b2.Session, bucket, objectPath, cacheControl string) (*b2.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	target := b2.ObjectURL(session.DownloadURL, bucket, objectPath, cacheControl)
	f.probeURL = target
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Length", strconv.FormatInt(f.size, 10))
	return &b2.ProbeResult{Exists: true, SizeBytes: f.size, ObjectURL: target, Header: header}, nil
}

func (f *fakeBackend) Fetch(ctx context.Context, session *b2.Session, objectURL string) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.fetchURL = objectURL
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	status := f.fetchStatus
	if status == 0 {
		status = http.StatusOK
	}
	header := f.fetchHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	if f.fetchReader != nil {
		return &http.Response{StatusCode: status, Header: header, Body: f.fetchReader, ContentLength: f.fetchLength}, nil
	}
	return &http.Response{
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(f.fetchBody)),
		ContentLength: int64(len(f.fetchBody)),
	}, nil
}

// brokenBody 先返回 data，随后以 err 结束，并记录是否被关闭。
type brokenBody struct {
	data   []byte
	err    error
	closed atomic.Bool
}

func (b *brokenBody) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func (b *brokenBody) Close() error {
	b.closed.Store(true)
	return nil
}

func (f *fakeBackend) GetDownloadAuthorization(ctx context.Context, apiURL, token, bucketID, prefix string, opts ...b2.GrantOption) (*b2.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grantCalls++
	f.lastGrant = grantCall{apiURL: apiURL, token: token, bucketID: bucketID, prefix: prefix, validity: b2.ValiditySeconds(opts...)}
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	return &b2.Grant{Token: f.grantToken, ExpiresInSeconds: f.lastGrant.validity, BucketID: bucketID, FileNamePrefix: prefix}, nil
}

// syncScheduler 同步写入缓存，测试中可直接断言写入结果。
type syncScheduler struct {
	mu     sync.Mutex
	store  cache.Store
	calls  int
	bodies [][]byte
	opts   []cache.PutOptions
}

func (s *syncScheduler) Schedule(ctx context.Context, locator cache.Locator, opts cache.PutOptions, body []byte) {
	s.mu.Lock()
	s.calls++
	s.bodies = append(s.bodies, append([]byte(nil), body...))
	s.opts = append(s.opts, opts)
	s.mu.Unlock()
	if s.store != nil {
		_, _ = s.store.Put(ctx, locator, bytes.NewReader(body), opts)
	}
}

type fixture struct {
	app       *fiber.App
	backend   *fakeBackend
	sessions  *fakeSessions
	store     cache.Store
	scheduler *syncScheduler
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f := &fixture{
		backend: &fakeBackend{size: 5, fetchBody: []byte("hello"), grantToken: "grant/token+=="},
		sessions: &fakeSessions{session: &b2.Session{
			AuthorizationToken: "session-token",
			DownloadURL:        testDownloadURL,
			APIURL:             testAPIURL,
		}},
		store:   store,
		metrics: metrics.New(),
	}
	f.scheduler = &syncScheduler{store: store}

	opts := Options{
		Backend:         f.backend,
		Sessions:        f.sessions,
		Store:           store,
		Writer:          f.scheduler,
		Logger:          logger,
		Metrics:         f.metrics,
		Bucket:          testBucket,
		BucketID:        testBucketID,
		CacheControl:    testPolicy,
		StreamThreshold: testThreshold,
		SignedURLTTL:    b2.DefaultGrantValidity,
	}
	if mutate != nil {
		mutate(&opts)
	}
	handler, err := NewHandler(opts)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{Logger: logger, Proxy: handler, ListenPort: 5000})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	f.app = app
	return f
}

func (f *fixture) do(t *testing.T, method, target string) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.app.Test(httptest.NewRequest(method, "http://hub.local"+target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func (f *fixture) outcome(name string) float64 {
	return testutil.ToFloat64(f.metrics.RequestsTotal.WithLabelValues(name))
}

func TestRootPingSkipsBackend(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, fiber.MethodGet, "/")
	if resp.StatusCode != fiber.StatusOK || string(body) != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", resp.StatusCode, body)
	}
	if f.sessions.calls != 0 || f.backend.probeCalls != 0 {
		t.Fatalf("root ping must not touch the backend")
	}
}

func TestSmallObjectStreamsAndCaches(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.fetchHeader = http.Header{
		"Content-Type":  {"text/plain"},
		"Cache-Control": {"no-store"},
		"Connection":    {"close"},
	}

	resp, body := f.do(t, fiber.MethodGet, "/docs/readme.txt")
	if resp.StatusCode != fiber.StatusOK || string(body) != "hello" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Cache-Control"); got != testPolicy {
		t.Fatalf("cache-control should be overwritten, got %q", got)
	}
	if resp.Header.Get(HeaderCacheHit) != "false" {
		t.Fatalf("expected cache miss header")
	}
	if f.backend.fetchCalls != 1 || f.backend.grantCalls != 0 {
		t.Fatalf("expected one fetch and no grant, got fetch=%d grant=%d", f.backend.fetchCalls, f.backend.grantCalls)
	}
	if f.scheduler.calls != 1 || string(f.scheduler.bodies[0]) != "hello" {
		t.Fatalf("expected one scheduled store with the same body")
	}
	if got := f.scheduler.opts[0].Header.Get("Cache-Control"); got != testPolicy {
		t.Fatalf("stored cache-control mismatch: %q", got)
	}
	if f.scheduler.opts[0].Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop headers must not be stored")
	}
	wantURL := testDownloadURL + "/file/" + testBucket + "/docs/readme.txt?b2CacheControl=" + url.QueryEscape(testPolicy)
	if f.backend.fetchURL != wantURL {
		t.Fatalf("fetch url mismatch:\n got %s\nwant %s", f.backend.fetchURL, wantURL)
	}
	if f.outcome(metrics.OutcomeStreamed) != 1 {
		t.Fatalf("expected streamed outcome metric")
	}
}

func TestRepeatedRequestServedFromCache(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.fetchHeader = http.Header{"Content-Type": {"text/plain"}}

	first, firstBody := f.do(t, fiber.MethodGet, "/a.txt")
	if first.StatusCode != fiber.StatusOK {
		t.Fatalf("first request failed: %d", first.StatusCode)
	}

	second, secondBody := f.do(t, fiber.MethodGet, "/a.txt")
	if second.StatusCode != fiber.StatusOK {
		t.Fatalf("second request failed: %d", second.StatusCode)
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Fatalf("cached body differs: %q vs %q", firstBody, secondBody)
	}
	if second.Header.Get(HeaderCacheHit) != "true" {
		t.Fatalf("expected cache hit header")
	}
	// X-Request-ID 每次请求重新生成，缓存命中标记按来源区分，其余头与首次响应一致
	for key := range first.Header {
		switch http.CanonicalHeaderKey(key) {
		case server.HeaderRequestID, HeaderCacheHit, "Date":
			continue
		}
		if second.Header.Get(key) != first.Header.Get(key) {
			t.Fatalf("cached header %s differs: %q vs %q", key, second.Header.Get(key), first.Header.Get(key))
		}
	}
	if second.Header.Get(server.HeaderRequestID) == first.Header.Get(server.HeaderRequestID) {
		t.Fatalf("request id must be fresh per request")
	}
	if f.sessions.calls != 1 || f.backend.probeCalls != 1 || f.backend.fetchCalls != 1 {
		t.Fatalf("cache hit must not call backend: sessions=%d probe=%d fetch=%d",
			f.sessions.calls, f.backend.probeCalls, f.backend.fetchCalls)
	}
	if f.outcome(metrics.OutcomeCacheHit) != 1 {
		t.Fatalf("expected cache hit metric")
	}
}

func TestQueryVariantsAreCachedSeparately(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, fiber.MethodGet, "/a.txt?v=1")
	f.do(t, fiber.MethodGet, "/a.txt?v=2")
	if f.backend.fetchCalls != 2 {
		t.Fatalf("different queries should miss separately, fetches=%d", f.backend.fetchCalls)
	}
}

func TestInvalidCredentialReturns401(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.err = &b2.APIError{Op: b2.OpAuthorize, Status: 401, Kind: b2.ErrInvalidCredential}

	resp, body := f.do(t, fiber.MethodGet, "/a.txt")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if string(body) != "Error: AUTH_HEADER is not correctly set" {
		t.Fatalf("unexpected body %q", body)
	}
	if f.backend.probeCalls != 0 || f.backend.fetchCalls != 0 {
		t.Fatalf("no probe or fetch after failed authorize")
	}
}

func TestAuthorizeUnavailableReturns502(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.err = &b2.APIError{Op: b2.OpAuthorize, Status: 503, Kind: b2.ErrBackendUnavailable}

	resp, body := f.do(t, fiber.MethodGet, "/a.txt")
	if resp.StatusCode != fiber.StatusBadGateway || string(body) != "B2 authorization failed" {
		t.Fatalf("expected 502 authorization failed, got %d %q", resp.StatusCode, body)
	}
}

func TestIncompleteSessionReturns502(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.session = &b2.Session{AuthorizationToken: "t"}

	resp, _ := f.do(t, fiber.MethodGet, "/a.txt")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502 for session without downloadUrl, got %d", resp.StatusCode)
	}
	if f.backend.probeCalls != 0 {
		t.Fatalf("incomplete session must not be used")
	}
}

func TestProbeMissReturns404(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.probeErr = &b2.APIError{Op: b2.OpProbe, Status: 404, Kind: b2.ErrObjectNotFound}

	resp, body := f.do(t, fiber.MethodGet, "/missing.txt")
	if resp.StatusCode != fiber.StatusNotFound || string(body) != "Not found" {
		t.Fatalf("expected 404 Not found, got %d %q", resp.StatusCode, body)
	}
	if f.backend.fetchCalls != 0 || f.backend.grantCalls != 0 {
		t.Fatalf("no fetch or grant after failed probe")
	}
	if f.sessions.invalidated != 0 {
		t.Fatalf("404 probe must not invalidate session")
	}
}

func TestProbeUnauthorizedInvalidatesSession(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.probeErr = &b2.APIError{Op: b2.OpProbe, Status: 401, Kind: b2.ErrObjectNotFound}

	resp, _ := f.do(t, fiber.MethodGet, "/a.txt")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if f.sessions.invalidated != 1 {
		t.Fatalf("expected session invalidation, got %d", f.sessions.invalidated)
	}
}

func TestProbeTransportFailureReturns502(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.probeErr = &b2.APIError{Op: b2.OpProbe, Kind: b2.ErrBackendUnavailable, Err: errors.New("timeout")}

	resp, _ := f.do(t, fiber.MethodGet, "/a.txt")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestLargeObjectRedirectsWithSignedURL(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.size = 200 * 1024 * 1024

	resp, _ := f.do(t, fiber.MethodGet, "/big/video.mp4")
	if resp.StatusCode != fiber.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	want := f.backend.probeURL + "&Authorization=" + url.QueryEscape("grant/token+==")
	if location != want {
		t.Fatalf("location mismatch:\n got %s\nwant %s", location, want)
	}
	grant := f.backend.lastGrant
	if grant.validity != 600 || grant.prefix != "big/video.mp4" || grant.bucketID != testBucketID ||
		grant.apiURL != testAPIURL || grant.token != "session-token" {
		t.Fatalf("unexpected grant call %+v", grant)
	}
	if f.backend.fetchCalls != 0 || f.scheduler.calls != 0 {
		t.Fatalf("redirect must not fetch or cache")
	}
}

func TestRedirectUsesQuestionMarkWithoutPolicy(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CacheControl = "" })
	f.backend.size = testThreshold + 1

	resp, _ := f.do(t, fiber.MethodGet, "/big.bin")
	location := resp.Header.Get("Location")
	if !strings.HasSuffix(location, "/file/assets/big.bin?Authorization="+url.QueryEscape("grant/token+==")) {
		t.Fatalf("expected ? separator, got %s", location)
	}
}

func TestRedirectFallsBackToDerivedAPIURL(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.session = &b2.Session{AuthorizationToken: "session-token", DownloadURL: "https://f000.example.com/file"}
	f.backend.size = testThreshold + 1

	f.do(t, fiber.MethodGet, "/big.bin")
	if f.backend.lastGrant.apiURL != "https://f000.example.com" {
		t.Fatalf("expected derived api url, got %s", f.backend.lastGrant.apiURL)
	}
}

func TestRedirectUsesConfiguredValidity(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SignedURLTTL = 90 * time.Second })
	f.backend.size = testThreshold + 1

	f.do(t, fiber.MethodGet, "/big.bin")
	if f.backend.lastGrant.validity != 90 {
		t.Fatalf("expected 90s validity, got %d", f.backend.lastGrant.validity)
	}
}

func TestGrantFailureReturns500(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.size = testThreshold + 1
	f.backend.grantErr = &b2.RejectedError{Status: 403, Body: `{"code":"unauthorized"}`}

	resp, body := f.do(t, fiber.MethodGet, "/big.bin")
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	want := "Failed to generate signed download url: B2 download_authorization error 403: {\"code\":\"unauthorized\"}"
	if string(body) != want {
		t.Fatalf("unexpected body:\n got %q\nwant %q", body, want)
	}
}

func TestThresholdBoundaryStreams(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StreamThreshold = 5 })
	f.backend.size = 5

	resp, body := f.do(t, fiber.MethodGet, "/edge.bin")
	if resp.StatusCode != fiber.StatusOK || string(body) != "hello" {
		t.Fatalf("size == threshold must stream, got %d", resp.StatusCode)
	}
	if f.backend.grantCalls != 0 {
		t.Fatalf("size == threshold must not redirect")
	}

	f.backend.size = 6
	resp, _ = f.do(t, fiber.MethodGet, "/edge2.bin")
	if resp.StatusCode != fiber.StatusFound {
		t.Fatalf("size > threshold must redirect, got %d", resp.StatusCode)
	}
}

func TestDefaultThresholdBoundary(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.size = 104857600

	resp, _ := f.do(t, fiber.MethodGet, "/exact.bin")
	if resp.StatusCode != fiber.StatusOK || f.backend.grantCalls != 0 {
		t.Fatalf("104857600 bytes must stream, got %d", resp.StatusCode)
	}
}

func TestBodyLargerThanThresholdIsNotCached(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.StreamThreshold = 5 })
	f.backend.size = 5
	f.backend.fetchBody = []byte("grown-object")

	resp, body := f.do(t, fiber.MethodGet, "/grown.bin")
	if resp.StatusCode != fiber.StatusOK || string(body) != "grown-object" {
		t.Fatalf("expected full body relayed, got %d %q", resp.StatusCode, body)
	}
	if f.scheduler.calls != 0 {
		t.Fatalf("oversized body must not be cached")
	}
	if f.outcome(metrics.OutcomeStreamedUncached) != 1 {
		t.Fatalf("expected streamed_uncached metric")
	}
}

func TestNon200FetchIsRelayedNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.fetchStatus = http.StatusServiceUnavailable
	f.backend.fetchBody = []byte("busy")

	resp, body := f.do(t, fiber.MethodGet, "/a.txt")
	if resp.StatusCode != http.StatusServiceUnavailable || string(body) != "busy" {
		t.Fatalf("expected relayed 503, got %d %q", resp.StatusCode, body)
	}
	if f.scheduler.calls != 0 {
		t.Fatalf("non-200 must not be cached")
	}
}

func TestFetchFailureReturns502(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.fetchErr = errors.New("connection reset")

	resp, body := f.do(t, fiber.MethodGet, "/a.txt")
	if resp.StatusCode != fiber.StatusBadGateway || string(body) != "B2 fetch failed" {
		t.Fatalf("expected 502 fetch failed, got %d %q", resp.StatusCode, body)
	}
}

func TestHeadSmallObjectUsesProbeOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.size = 12345

	resp, _ := f.do(t, fiber.MethodHead, "/a.txt")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Length"); got != "12345" {
		t.Fatalf("HEAD content-length should equal probed size, got %q", got)
	}
	if f.backend.fetchCalls != 0 || f.scheduler.calls != 0 {
		t.Fatalf("HEAD must not fetch or cache")
	}
	if resp.Header.Get("Cache-Control") != testPolicy {
		t.Fatalf("HEAD should carry the cache policy")
	}
}

func TestTruncatedFetchIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	broken := &brokenBody{data: []byte("hel"), err: io.ErrUnexpectedEOF}
	f.backend.fetchReader = broken
	f.backend.fetchLength = 5

	resp, err := f.app.Test(httptest.NewRequest(fiber.MethodGet, "http://hub.local/cut.bin", nil))
	if err == nil {
		_, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if f.scheduler.calls != 0 {
		t.Fatalf("truncated body must not be cached")
	}
	if f.outcome(metrics.OutcomeStreamAborted) != 1 {
		t.Fatalf("expected stream_aborted metric")
	}
	if !broken.closed.Load() {
		t.Fatalf("backend body must be closed after streaming")
	}
}

func TestUnknownLengthBodyStreamsAndCaches(t *testing.T) {
	f := newFixture(t, nil)
	broken := &brokenBody{data: []byte("chunked-body"), err: io.EOF}
	f.backend.fetchReader = broken
	f.backend.fetchLength = -1
	f.backend.size = int64(len("chunked-body"))

	resp, body := f.do(t, fiber.MethodGet, "/chunked.bin")
	if resp.StatusCode != fiber.StatusOK || string(body) != "chunked-body" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if f.scheduler.calls != 1 || string(f.scheduler.bodies[0]) != "chunked-body" {
		t.Fatalf("complete body of unknown length should be cached")
	}
	if !broken.closed.Load() {
		t.Fatalf("backend body must be closed after streaming")
	}
}

func TestStreamWithoutWriterStillServes(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Writer = nil })

	resp, body := f.do(t, fiber.MethodGet, "/nowriter.txt")
	if resp.StatusCode != fiber.StatusOK || string(body) != "hello" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if f.outcome(metrics.OutcomeStreamed) != 1 {
		t.Fatalf("expected streamed metric without a writer")
	}
}

func TestHeadDoesNotReadCache(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, fiber.MethodGet, "/a.txt")
	f.do(t, fiber.MethodHead, "/a.txt")
	if f.backend.probeCalls != 2 {
		t.Fatalf("HEAD should probe even when GET is cached, probes=%d", f.backend.probeCalls)
	}
}

func TestMethodGuard(t *testing.T) {
	f := newFixture(t, nil)
	for _, method := range []string{fiber.MethodPost, fiber.MethodPut, fiber.MethodDelete} {
		resp, _ := f.do(t, method, "/a.txt")
		if resp.StatusCode != fiber.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", method, resp.StatusCode)
		}
		if resp.Header.Get("Allow") != "GET, HEAD" {
			t.Fatalf("%s: unexpected Allow header %q", method, resp.Header.Get("Allow"))
		}
	}
	if f.sessions.calls != 0 {
		t.Fatalf("rejected methods must not authorize")
	}
}

func TestEncodedPathIsReescaped(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, fiber.MethodGet, "/dir/a%20b.txt")
	if !strings.Contains(f.backend.fetchURL, "/file/assets/dir/a%20b.txt?") {
		t.Fatalf("expected escaped object path, got %s", f.backend.fetchURL)
	}
}

func TestNewHandlerValidatesOptions(t *testing.T) {
	logger := logrus.New()
	base := Options{
		Backend:         &fakeBackend{},
		Sessions:        &fakeSessions{},
		Logger:          logger,
		Bucket:          testBucket,
		StreamThreshold: testThreshold,
	}
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"backend", func(o *Options) { o.Backend = nil }},
		{"sessions", func(o *Options) { o.Sessions = nil }},
		{"logger", func(o *Options) { o.Logger = nil }},
		{"bucket", func(o *Options) { o.Bucket = "" }},
		{"threshold", func(o *Options) { o.StreamThreshold = 0 }},
	}
	for _, tc := range cases {
		opts := base
		tc.mutate(&opts)
		if _, err := NewHandler(opts); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if _, err := NewHandler(base); err != nil {
		t.Fatalf("base options should be valid: %v", err)
	}
}

func TestInstrumentAuthorizer(t *testing.T) {
	m := metrics.New()
	auth := InstrumentAuthorizer(authorizerFunc(func(ctx context.Context, credential string) (*b2.Session, error) {
		return nil, fmt.Errorf("boom: %w", b2.ErrBackendUnavailable)
	}), m)
	if _, err := auth.AuthorizeAccount(context.Background(), "Basic x"); !errors.Is(err, b2.ErrBackendUnavailable) {
		t.Fatalf("error should pass through, got %v", err)
	}
	if got := testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues(b2.OpAuthorize, "error")); got != 1 {
		t.Fatalf("expected one failed authorize metric, got %v", got)
	}
}

type authorizerFunc func(ctx context.Context, credential string) (*b2.Session, error)

func (f authorizerFunc) AuthorizeAccount(ctx context.Context, credential string) (*b2.Session, error) {
	return f(ctx, credential)
}
