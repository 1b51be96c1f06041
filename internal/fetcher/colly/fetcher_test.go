package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/storage/memory"
)

func newTestFetcher(t *testing.T, limiter Limiter) (*Fetcher, *memory.BlobStore) {
	t.Helper()
	store := memory.NewBlobStore()
	f, err := New(Config{UserAgent: "media-orchestrator-test", Timeout: 2 * time.Second}, store, nil, limiter, nil)
	require.NoError(t, err)
	return f, store
}

func request(t *testing.T, kind batch.TargetKind, id, locator string) batch.FetchRequest {
	t.Helper()
	tgt, err := batch.NewTarget(kind, id, locator)
	require.NoError(t, err)
	return batch.FetchRequest{RunIdentity: "natgeo", Target: tgt, Attempt: 1}
}

func TestFetchStoresBody(t *testing.T) {
	t.Parallel()

	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.UserAgent())
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("fake-mp4"))
	}))
	defer srv.Close()

	f, store := newTestFetcher(t, nil)
	res, err := f.Fetch(context.Background(), request(t, batch.KindSinglePost, "ABC", srv.URL+"/v.mp4"))
	require.NoError(t, err)
	require.Equal(t, batch.ItemCounts{Videos: 1}, res.Items)
	require.Len(t, res.URIs, 1)
	require.Equal(t, "media-orchestrator-test", ua.Load())

	paths := store.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "natgeo/single-post/ABC-"), paths[0])
	require.True(t, strings.HasSuffix(paths[0], ".mp4"), paths[0])
	body, ok := store.Object(paths[0])
	require.True(t, ok)
	require.Equal(t, "fake-mp4", string(body))
}

func TestFetchSendsMaxPostsForTimelines(t *testing.T) {
	t.Parallel()

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get(MaxPostsHeader))
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, nil)
	req := request(t, batch.KindUserTimeline, "natgeo", srv.URL+"/natgeo/")
	req.MaxPosts = 25
	_, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "25", got.Load())

	post := request(t, batch.KindSinglePost, "ABC", srv.URL+"/p/ABC/")
	post.MaxPosts = 25
	_, err = f.Fetch(context.Background(), post)
	require.NoError(t, err)
	require.Equal(t, "", got.Load())
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, nil)
	req := request(t, batch.KindSinglePost, "same", srv.URL+"/a.jpg")
	for i := 0; i < 3; i++ {
		res, err := f.Fetch(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, batch.ItemCounts{Images: 1}, res.Items)
	}
	require.EqualValues(t, 3, hits.Load())
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   batch.ErrorKind
	}{
		{http.StatusNotFound, batch.ErrorKindNotFound},
		{http.StatusGone, batch.ErrorKindNotFound},
		{http.StatusForbidden, batch.ErrorKindAccessDenied},
		{http.StatusUnauthorized, batch.ErrorKindAccessDenied},
		{http.StatusBadRequest, batch.ErrorKindMalformed},
		{http.StatusTooManyRequests, batch.ErrorKindTransient},
		{http.StatusBadGateway, batch.ErrorKindTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			f, store := newTestFetcher(t, nil)
			_, err := f.Fetch(context.Background(), request(t, batch.KindSinglePost, "x", srv.URL))
			require.Error(t, err)
			require.Equal(t, tt.want, batch.ClassifyError(err))
			require.False(t, batch.IsFatal(err))
			require.Empty(t, store.Paths())
		})
	}
}

func TestFetchMalformedLocator(t *testing.T) {
	t.Parallel()

	f, _ := newTestFetcher(t, nil)
	for _, locator := range []string{"natgeo", "ftp://example.com/a", "https://"} {
		_, err := f.Fetch(context.Background(), request(t, batch.KindUserTimeline, "natgeo", locator))
		require.Equal(t, batch.ErrorKindMalformed, batch.ClassifyError(err), locator)
	}
}

func TestFetchNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f, _ := newTestFetcher(t, nil)
	_, err := f.Fetch(context.Background(), request(t, batch.KindSinglePost, "x", addr))
	require.Equal(t, batch.ErrorKindTransient, batch.ClassifyError(err))
}

func TestFetchEmptyBodyIsMalformed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, nil)
	_, err := f.Fetch(context.Background(), request(t, batch.KindSinglePost, "x", srv.URL))
	require.Equal(t, batch.ErrorKindMalformed, batch.ClassifyError(err))
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestFetchStoreFailureIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	f, err := New(Config{}, failingStore{}, nil, nil, nil)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), request(t, batch.KindSinglePost, "x", srv.URL))
	require.True(t, batch.IsFatal(err))
}

type stubLimiter struct {
	calls atomic.Int32
	err   error
}

func (l *stubLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return l.err
}

func TestFetchConsultsLimiter(t *testing.T) {
	t.Parallel()

	lim := &stubLimiter{err: errors.New("deadline")}
	f, _ := newTestFetcher(t, lim)
	_, err := f.Fetch(context.Background(), request(t, batch.KindSinglePost, "x", "https://example.invalid/a"))
	require.Equal(t, batch.ErrorKindTransient, batch.ClassifyError(err))
	require.EqualValues(t, 1, lim.calls.Load())
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestCountItems(t *testing.T) {
	t.Parallel()

	require.Equal(t, batch.ItemCounts{Stories: 1}, countItems(batch.KindStorySet, "video/mp4"))
	require.Equal(t, batch.ItemCounts{Reels: 1}, countItems(batch.KindReelSet, "video/mp4"))
	require.Equal(t, batch.ItemCounts{Videos: 1}, countItems(batch.KindUserTimeline, "video/mp4; codecs=avc1"))
	require.Equal(t, batch.ItemCounts{Images: 1}, countItems(batch.KindSinglePost, ""))
}

func TestArtifactPath(t *testing.T) {
	t.Parallel()

	tgt, err := batch.NewTarget(batch.KindSinglePost, "https://cdn.example.com/x/y.jpg?sig=1", "")
	require.NoError(t, err)
	got := ArtifactPath("batch", tgt, "abcdef012345", "", "https://cdn.example.com/x/y.jpg?sig=1")
	require.Equal(t, "batch/single-post/https_cdn_example_com_x_y_jpg_sig_1-abcdef012345.jpg", got)

	got = ArtifactPath("batch", tgt, "abc", "application/x-unknown-thing", "")
	require.True(t, strings.HasSuffix(got, ".bin"), got)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	f, err := New(Config{Headers: http.Header{"X-Trace": {"yes"}}}, store, nil, nil, nil)
	require.NoError(t, err)

	var resp response
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, f.cfg.Headers, &resp)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"image/png"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/a.png")},
	})
	require.Equal(t, "body", string(resp.body))
	require.Equal(t, "image/png", resp.contentType)
	require.Equal(t, "https://example.com/a.png", resp.finalURL)

	hooks.onError(&colly.Response{StatusCode: http.StatusForbidden}, errors.New("boom"))
	require.Equal(t, http.StatusForbidden, resp.status)
	require.EqualError(t, resp.err, "boom")
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
