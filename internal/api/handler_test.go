package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"urlshortener/internal/events"
	"urlshortener/internal/shortener"
	"urlshortener/models"
)

type fakeService struct {
	links      map[string]models.Link
	clicks     []string
	clickErr   error
	shortenErr error
}

func (f *fakeService) Shorten(_ context.Context, rawURL string) (models.Link, error) {
	if f.shortenErr != nil {
		return models.Link{}, f.shortenErr
	}
	if err := shortener.ValidateURL(rawURL); err != nil {
		return models.Link{}, err
	}
	link := models.Link{Code: "Ab3x9K", OriginalURL: rawURL}
	f.links[link.Code] = link
	return link, nil
}

func (f *fakeService) Resolve(_ context.Context, code string) (models.Link, error) {
	link, ok := f.links[code]
	if !ok {
		return models.Link{}, shortener.ErrNotFound
	}
	return link, nil
}

func (f *fakeService) RecordClick(_ context.Context, link models.Link) (events.URLClicked, error) {
	if f.clickErr != nil {
		return events.URLClicked{}, f.clickErr
	}
	f.clicks = append(f.clicks, link.Code)
	return events.URLClicked{ShortCode: link.Code}, nil
}

func newTestRouter(t *testing.T, svc *fakeService, health func(context.Context) error) http.Handler {
	log := zaptest.NewLogger(t)
	limit, err := NewRateLimit("2-M", "test:", nil)
	require.NoError(t, err)
	return NewRouter(NewHandler(svc, "http://sho.rt", health, log), limit, log)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestShortenAndRedirect(t *testing.T) {
	svc := &fakeService{links: map[string]models.Link{}}
	router := newTestRouter(t, svc, nil)

	w := do(router, http.MethodPost, "/shorten", `{"url":"https://example.com/a"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp shortenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Ab3x9K", resp.Code)
	assert.Equal(t, "http://sho.rt/Ab3x9K", resp.ShortURL)

	w = do(router, http.MethodGet, "/Ab3x9K", "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/a", w.Header().Get("Location"))
	assert.Equal(t, []string{"Ab3x9K"}, svc.clicks)
}

func TestShorten_BadInput(t *testing.T) {
	router := newTestRouter(t, &fakeService{links: map[string]models.Link{}}, nil)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/shorten", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/shorten", `{"url":"ftp://x"}`).Code)
}

func TestShorten_StorageFailure(t *testing.T) {
	router := newTestRouter(t, &fakeService{shortenErr: errors.New("db down")}, nil)
	assert.Equal(t, http.StatusInternalServerError, do(router, http.MethodPost, "/shorten", `{"url":"https://example.com"}`).Code)
}

func TestShorten_RateLimited(t *testing.T) {
	router := newTestRouter(t, &fakeService{links: map[string]models.Link{}}, nil)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(router, http.MethodPost, "/shorten", `{"url":"https://example.com"}`).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(router, http.MethodPost, "/shorten", `{"url":"https://example.com"}`).Code)
}

func TestRedirect_NotFound(t *testing.T) {
	router := newTestRouter(t, &fakeService{links: map[string]models.Link{}}, nil)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/missing", "").Code)
}

func TestRedirect_ClickFailureStillRedirects(t *testing.T) {
	svc := &fakeService{
		links:    map[string]models.Link{"abc": {Code: "abc", OriginalURL: "https://example.com"}},
		clickErr: errors.New("outbox unavailable"),
	}
	router := newTestRouter(t, svc, nil)
	w := do(router, http.MethodGet, "/abc", "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com", w.Header().Get("Location"))
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, &fakeService{links: map[string]models.Link{}}, nil)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/healthz", "").Code)

	w := do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	down := newTestRouter(t, &fakeService{links: map[string]models.Link{}}, func(context.Context) error {
		return errors.New("database unreachable")
	})
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/healthz", "").Code)
}
