package imagesource

import (
	"context"
	"fmt"
)

// ImageRecord is a fully downloaded image, as yielded by Source.
// It is handed to exactly one consumer, and is not modified after it is yielded.
type ImageRecord struct {
	ID        string `json:"id"`
	SourceURL string `json:"sourceUrl"`
	PageURL   string `json:"pageUrl,omitempty"`
	Tags      string `json:"tags,omitempty"`
	RawBytes  []byte `json:"-"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format,omitempty"` // eg "jpeg", as reported by image.DecodeConfig. Empty if unknown.
}

// Gap is an item that the source listed, but which could not be downloaded.
// Gaps do not count toward the requested record count.
type Gap struct {
	ID        string `json:"id"`
	SourceURL string `json:"sourceUrl"`
	Page      int    `json:"page"`
	Reason    string `json:"reason"`
}

func (g Gap) String() string {
	return fmt.Sprintf("%v (page %v, %v): %v", g.ID, g.Page, g.SourceURL, g.Reason)
}

// Item is image metadata from one page of search results
type Item struct {
	ID       string
	ImageURL string // Empty if the API offered no downloadable URL
	PageURL  string
	Tags     string
	Width    int
	Height   int
}

// Page is one page of search results
type Page struct {
	Items   []Item
	HasMore bool
}

// API is a paginated image search service.
// Pages are numbered from 1.
type API interface {
	FetchPage(ctx context.Context, query string, page, perPage int) (*Page, error)
}

// Downloader fetches the bytes of a single image
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}
