package imagesource

import (
	"context"
	"net/http"

	"github.com/cyclopcam/pixdetect/pkg/requests"
)

// Default upper bound on the size of a single image
const DefaultMaxImageBytes = 50 * 1024 * 1024

// HTTPDownloader downloads images with plain GET requests
type HTTPDownloader struct {
	Client   *http.Client
	MaxBytes int64 // 0 = no limit
}

func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	return &HTTPDownloader{
		Client:   client,
		MaxBytes: DefaultMaxImageBytes,
	}
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	return requests.GetBytes(ctx, d.Client, url, d.MaxBytes)
}
