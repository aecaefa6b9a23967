package imagesource

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cyclopcam/pixdetect/pkg/requests"
)

// Pixabay search API
// https://pixabay.com/api/docs/

const PixabayBaseURL = "https://pixabay.com/api/"

// Pixabay rejects per_page values outside this range
const (
	PixabayMinPerPage = 3
	PixabayMaxPerPage = 200
)

// PixabayAPI implements API for the Pixabay image search service.
// Authentication is a key in the query string.
type PixabayAPI struct {
	BaseURL   string
	Key       string
	ImageType string // "photo", "illustration", "vector", or "all"
	Client    *http.Client
}

func NewPixabayAPI(key string, client *http.Client) *PixabayAPI {
	return &PixabayAPI{
		BaseURL:   PixabayBaseURL,
		Key:       key,
		ImageType: "photo",
		Client:    client,
	}
}

type pixabayResponse struct {
	Total     int          `json:"total"`
	TotalHits int          `json:"totalHits"` // Number of hits that are reachable through the API
	Hits      []pixabayHit `json:"hits"`
}

type pixabayHit struct {
	ID            int64  `json:"id"`
	PageURL       string `json:"pageURL"`
	Tags          string `json:"tags"`
	LargeImageURL string `json:"largeImageURL"`
	WebformatURL  string `json:"webformatURL"`
	ImageWidth    int    `json:"imageWidth"`
	ImageHeight   int    `json:"imageHeight"`
}

// SearchURL returns the URL of one page of results
func (a *PixabayAPI) SearchURL(query string, page, perPage int) string {
	perPage = max(PixabayMinPerPage, min(PixabayMaxPerPage, perPage))
	v := url.Values{}
	v.Set("key", a.Key)
	v.Set("q", query)
	if a.ImageType != "" {
		v.Set("image_type", a.ImageType)
	}
	v.Set("per_page", strconv.Itoa(perPage))
	v.Set("page", strconv.Itoa(page))
	return a.BaseURL + "?" + v.Encode()
}

func (a *PixabayAPI) FetchPage(ctx context.Context, query string, page, perPage int) (*Page, error) {
	resp, err := requests.GetJSON[pixabayResponse](ctx, a.Client, a.SearchURL(query, page, perPage))
	if err != nil {
		return nil, err
	}
	perPage = max(PixabayMinPerPage, min(PixabayMaxPerPage, perPage))
	result := &Page{
		Items:   make([]Item, 0, len(resp.Hits)),
		HasMore: len(resp.Hits) != 0 && page*perPage < resp.TotalHits,
	}
	for _, hit := range resp.Hits {
		// Prefer the large image, but fall back to the web format
		imageURL := hit.LargeImageURL
		if imageURL == "" {
			imageURL = hit.WebformatURL
		}
		if imageURL == "" {
			continue
		}
		result.Items = append(result.Items, Item{
			ID:       strconv.FormatInt(hit.ID, 10),
			ImageURL: imageURL,
			PageURL:  hit.PageURL,
			Tags:     hit.Tags,
			Width:    hit.ImageWidth,
			Height:   hit.ImageHeight,
		})
	}
	return result, nil
}
