package imagesource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pixdetect/pkg/failure"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func makePNG(t *testing.T, w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakePixabay is an httptest server that speaks enough of the Pixabay API for our tests.
// Images are served from /img/:id
type fakePixabay struct {
	server      *httptest.Server
	numImages   int
	searches    atomic.Int32
	missing     map[int]bool // Images that return 404
	png         []byte
	searchHook  func(n int, w http.ResponseWriter) bool // Return true if the response has been written
	searchLimit func(http.Handler) http.Handler
}

type fakeOption func(f *fakePixabay)

func withSearchHook(hook func(n int, w http.ResponseWriter) bool) fakeOption {
	return func(f *fakePixabay) { f.searchHook = hook }
}

func withMissingImages(ids ...int) fakeOption {
	return func(f *fakePixabay) {
		for _, id := range ids {
			f.missing[id] = true
		}
	}
}

func withSearchLimit(requestLimit int, windowLength time.Duration) fakeOption {
	return func(f *fakePixabay) {
		f.searchLimit = httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
	}
}

func newFakePixabay(t *testing.T, numImages int, options ...fakeOption) *fakePixabay {
	f := &fakePixabay{
		numImages: numImages,
		missing:   map[int]bool{},
		png:       makePNG(t, 30, 20),
	}
	for _, opt := range options {
		opt(f)
	}
	router := httprouter.New()
	router.GET("/api/", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if f.searchLimit != nil {
			f.searchLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				f.httpSearch(w, r, params)
			})).ServeHTTP(w, r)
		} else {
			f.httpSearch(w, r, params)
		}
	})
	router.GET("/img/:id", f.httpImage)
	f.server = httptest.NewServer(router)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePixabay) httpSearch(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	n := int(f.searches.Add(1))
	if f.searchHook != nil && f.searchHook(n, w) {
		return
	}
	q := r.URL.Query()
	if q.Get("key") != "secret" {
		http.Error(w, "[ERROR 400] Invalid or missing API key", http.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	hits := []pixabayHit{}
	for i := (page - 1) * perPage; i < min(f.numImages, page*perPage); i++ {
		hits = append(hits, pixabayHit{
			ID:            int64(1000 + i),
			PageURL:       fmt.Sprintf("https://pixabay.com/photos/%v", i),
			Tags:          "cat, animal",
			LargeImageURL: fmt.Sprintf("http://%v/img/%v", r.Host, i),
			ImageWidth:    3000,
			ImageHeight:   2000,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pixabayResponse{Total: f.numImages, TotalHits: f.numImages, Hits: hits})
}

func (f *fakePixabay) httpImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id, _ := strconv.Atoi(params.ByName("id"))
	if f.missing[id] {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(f.png)
}

func (f *fakePixabay) newSource(t *testing.T, cfg Config) *Source {
	api := NewPixabayAPI("secret", f.server.Client())
	api.BaseURL = f.server.URL + "/api/"
	src, err := NewSource(logs.NewTestingLog(t), api, NewHTTPDownloader(f.server.Client()), cfg)
	require.NoError(t, err)
	return src
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MinRequestInterval = 0
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 10 * time.Millisecond
	cfg.Retry.CallTimeout = 5 * time.Second
	return cfg
}

func collect(t *testing.T, b *Batch) ([]*ImageRecord, error) {
	records := []*ImageRecord{}
	for r := range b.Records() {
		records = append(records, r)
	}
	return records, b.Wait()
}

func TestFetchFromPixabay(t *testing.T) {
	f := newFakePixabay(t, 50)
	src := f.newSource(t, fastConfig())
	b, err := src.FetchBatch(context.Background(), "cat", 7, 3)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.NoError(t, err)
	require.Equal(t, 7, len(records))
	for i, r := range records {
		require.Equal(t, strconv.Itoa(1000+i), r.ID)
		require.Equal(t, f.png, r.RawBytes)
		// Dimensions come from the bytes, not the API metadata
		require.Equal(t, 30, r.Width)
		require.Equal(t, 20, r.Height)
		require.Equal(t, "png", r.Format)
		require.Equal(t, "cat, animal", r.Tags)
	}
	require.Equal(t, 3, b.PagesFetched())
	require.Empty(t, b.Gaps())
}

func TestExhaustionIsNotFailure(t *testing.T) {
	f := newFakePixabay(t, 3)
	src := f.newSource(t, fastConfig())
	b, err := src.FetchBatch(context.Background(), "cat", 5, 3)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.NoError(t, err)
	require.Equal(t, 3, len(records))
	require.EqualValues(t, 1, f.searches.Load())
}

func TestTooManyRequestsThenSuccess(t *testing.T) {
	f := newFakePixabay(t, 10, withSearchHook(func(n int, w http.ResponseWriter) bool {
		if n == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return true
		}
		return false
	}))
	src := f.newSource(t, fastConfig())
	b, err := src.FetchBatch(context.Background(), "cat", 4, 5)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.NoError(t, err)
	require.Equal(t, 4, len(records))
	require.EqualValues(t, 2, f.searches.Load())
}

func TestServerErrorsEscalate(t *testing.T) {
	f := newFakePixabay(t, 10, withSearchHook(func(n int, w http.ResponseWriter) bool {
		http.Error(w, "oops", http.StatusInternalServerError)
		return true
	}))
	cfg := fastConfig()
	cfg.Retry.MaxRetries = 3
	src := f.newSource(t, cfg)
	b, err := src.FetchBatch(context.Background(), "cat", 4, 5)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.Empty(t, records)
	require.ErrorIs(t, err, failure.ErrSourceRejected)
	require.ErrorIs(t, err, failure.ErrTransientFetch)
	require.Equal(t, failure.SourceRejected, failure.KindOf(err))
	require.EqualValues(t, cfg.Retry.MaxRetries+1, f.searches.Load())
}

func TestBadKeyFailsImmediately(t *testing.T) {
	f := newFakePixabay(t, 10)
	api := NewPixabayAPI("wrong", f.server.Client())
	api.BaseURL = f.server.URL + "/api/"
	src, err := NewSource(logs.NewTestingLog(t), api, NewHTTPDownloader(f.server.Client()), fastConfig())
	require.NoError(t, err)
	b, err := src.FetchBatch(context.Background(), "cat", 4, 5)
	require.NoError(t, err)
	_, err = collect(t, b)
	require.ErrorIs(t, err, failure.ErrSourceRejected)
	require.False(t, errors.Is(err, failure.ErrTransientFetch))
	require.EqualValues(t, 1, f.searches.Load())

	f = newFakePixabay(t, 10, withSearchHook(func(n int, w http.ResponseWriter) bool {
		http.Error(w, "nope", http.StatusUnauthorized)
		return true
	}))
	b, err = f.newSource(t, fastConfig()).FetchBatch(context.Background(), "cat", 4, 5)
	require.NoError(t, err)
	_, err = collect(t, b)
	require.ErrorIs(t, err, failure.ErrSourceRejected)
	require.EqualValues(t, 1, f.searches.Load())
}

func TestServerSideRateLimit(t *testing.T) {
	// The server allows 2 searches per window. We make no attempt to pace ourselves,
	// so we must recover from 429s by backing off.
	f := newFakePixabay(t, 30, withSearchLimit(2, 100*time.Millisecond))

	cfg := fastConfig()
	cfg.Retry.MaxRetries = 8
	cfg.Retry.InitialInterval = 20 * time.Millisecond
	cfg.Retry.MaxInterval = 200 * time.Millisecond
	src := f.newSource(t, cfg)
	b, err := src.FetchBatch(context.Background(), "cat", 12, 3)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.NoError(t, err)
	require.Equal(t, 12, len(records))
	for i, r := range records {
		require.Equal(t, strconv.Itoa(1000+i), r.ID)
	}
}

func TestFailedDownloadIsGap(t *testing.T) {
	f := newFakePixabay(t, 10, withMissingImages(1))
	src := f.newSource(t, fastConfig())
	b, err := src.FetchBatch(context.Background(), "cat", 4, 5)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"1000", "1002", "1003", "1004"}, ids)
	gaps := b.Gaps()
	require.Equal(t, 1, len(gaps))
	require.Equal(t, "1001", gaps[0].ID)
	require.Equal(t, 1, gaps[0].Page)
}

// memoryAPI records when each page was requested
type memoryAPI struct {
	lock     sync.Mutex
	numItems int
	times    []time.Time
}

func (m *memoryAPI) FetchPage(ctx context.Context, query string, page, perPage int) (*Page, error) {
	m.lock.Lock()
	m.times = append(m.times, time.Now())
	m.lock.Unlock()
	p := &Page{}
	for i := (page - 1) * perPage; i < min(m.numItems, page*perPage); i++ {
		p.Items = append(p.Items, Item{ID: strconv.Itoa(i), ImageURL: "mem://" + strconv.Itoa(i)})
	}
	p.HasMore = page*perPage < m.numItems
	return p, nil
}

type memoryDownloader struct{}

func (memoryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	return []byte(url), nil
}

func TestRateGateSpacing(t *testing.T) {
	api := &memoryAPI{numItems: 100}
	cfg := fastConfig()
	cfg.MinRequestInterval = 50 * time.Millisecond
	cfg.PageConcurrency = 4
	src, err := NewSource(logs.NewTestingLog(t), api, memoryDownloader{}, cfg)
	require.NoError(t, err)
	b, err := src.FetchBatch(context.Background(), "cat", 20, 4)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.NoError(t, err)
	require.Equal(t, 20, len(records))
	// Unknown formats fall back to the API dimensions
	require.Equal(t, "", records[0].Format)

	api.lock.Lock()
	defer api.lock.Unlock()
	require.Equal(t, 5, len(api.times))
	// Requests run concurrently, so they may not be recorded in start order
	sort.Slice(api.times, func(i, j int) bool { return api.times[i].Before(api.times[j]) })
	for i := 1; i < len(api.times); i++ {
		require.GreaterOrEqual(t, api.times[i].Sub(api.times[i-1]), 40*time.Millisecond)
	}
}

func TestRateGateRate(t *testing.T) {
	g, err := NewRateGate(250 * time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, g.MinInterval())
	require.InDelta(t, 4.0, g.RequestsPerSecond(), 1e-9)

	g, err = NewRateGate(0)
	require.NoError(t, err)
	require.True(t, math.IsInf(g.RequestsPerSecond(), 1))
	// No delay at all
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestMaxPages(t *testing.T) {
	api := &memoryAPI{numItems: 100}
	cfg := fastConfig()
	cfg.MaxPages = 2
	src, err := NewSource(logs.NewTestingLog(t), api, memoryDownloader{}, cfg)
	require.NoError(t, err)
	b, err := src.FetchBatch(context.Background(), "cat", 50, 5)
	require.NoError(t, err)
	records, err := collect(t, b)
	require.NoError(t, err)
	require.Equal(t, 10, len(records))
	require.Equal(t, 2, b.PagesFetched())
}

func TestCancel(t *testing.T) {
	api := &memoryAPI{numItems: 100}
	cfg := fastConfig()
	cfg.MinRequestInterval = time.Hour
	src, err := NewSource(logs.NewTestingLog(t), api, memoryDownloader{}, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := src.FetchBatch(ctx, "cat", 50, 5)
	require.NoError(t, err)
	n := 0
	for range b.Records() {
		n++
		if n == 5 {
			// The next page is an hour away
			cancel()
		}
	}
	require.ErrorIs(t, b.Wait(), context.Canceled)
	require.Equal(t, 5, n)
}

func TestInvalidArguments(t *testing.T) {
	src, err := NewSource(logs.NewTestingLog(t), &memoryAPI{}, memoryDownloader{}, fastConfig())
	require.NoError(t, err)
	_, err = src.FetchBatch(context.Background(), "cat", 0, 5)
	require.ErrorIs(t, err, failure.ErrConfigInvalid)
	_, err = src.FetchBatch(context.Background(), "cat", 5, 0)
	require.ErrorIs(t, err, failure.ErrConfigInvalid)
	_, err = src.FetchBatch(context.Background(), "  ", 5, 5)
	require.ErrorIs(t, err, failure.ErrConfigInvalid)

	_, err = NewRateGate(-time.Second)
	require.ErrorIs(t, err, failure.ErrConfigInvalid)

	cfg := fastConfig()
	cfg.MinRequestInterval = -1
	_, err = NewSource(logs.NewTestingLog(t), &memoryAPI{}, memoryDownloader{}, cfg)
	require.ErrorIs(t, err, failure.ErrConfigInvalid)

	cfg = fastConfig()
	cfg.Retry.MaxRetries = -1
	_, err = NewSource(logs.NewTestingLog(t), &memoryAPI{}, memoryDownloader{}, cfg)
	require.ErrorIs(t, err, failure.ErrConfigInvalid)
}
