package imagesource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cyclopcam/pixdetect/pkg/requests"
	"github.com/stretchr/testify/require"
)

func TestPixabaySearchURL(t *testing.T) {
	api := NewPixabayAPI("abc", http.DefaultClient)
	u, err := url.Parse(api.SearchURL("red fox", 2, 1))
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "abc", q.Get("key"))
	require.Equal(t, "red fox", q.Get("q"))
	require.Equal(t, "photo", q.Get("image_type"))
	require.Equal(t, "3", q.Get("per_page"))
	require.Equal(t, "2", q.Get("page"))

	u, _ = url.Parse(api.SearchURL("fox", 1, 1000))
	require.Equal(t, "200", u.Query().Get("per_page"))
}

func TestPixabayParse(t *testing.T) {
	body := `{"total": 100, "totalHits": 7, "hits": [
		{"id": 1, "pageURL": "p1", "tags": "a, b", "largeImageURL": "L1", "webformatURL": "W1", "imageWidth": 640, "imageHeight": 480},
		{"id": 2, "pageURL": "p2", "webformatURL": "W2"},
		{"id": 3, "pageURL": "p3"}
	]}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	api := NewPixabayAPI("abc", server.Client())
	api.BaseURL = server.URL + "/"
	page, err := api.FetchPage(context.Background(), "cat", 1, 3)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Equal(t, []Item{
		{ID: "1", ImageURL: "L1", PageURL: "p1", Tags: "a, b", Width: 640, Height: 480},
		{ID: "2", ImageURL: "W2", PageURL: "p2"},
	}, page.Items)

	// 3 * 3 >= totalHits
	page, err = api.FetchPage(context.Background(), "cat", 3, 3)
	require.NoError(t, err)
	require.False(t, page.HasMore)
}

func TestPixabayErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "[ERROR 400] Invalid or missing API key", http.StatusBadRequest)
	}))
	defer server.Close()

	api := NewPixabayAPI("abc", server.Client())
	api.BaseURL = server.URL + "/"
	_, err := api.FetchPage(context.Background(), "cat", 1, 20)
	var statusErr *requests.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 400, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "API key")
	require.False(t, requests.IsTransient(err))
}
