// Package requests is a small library for making GET requests to HTTP APIs,
// with errors that carry enough detail to decide whether to retry.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// StatusError is returned when the server responds with a non-2xx status code
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP error %v", e.Status)
	}
	return fmt.Sprintf("HTTP error %v (%v)", e.Status, e.Body)
}

// Maximum number of bytes of an error response body that we keep
const maxErrorBody = 512

// Do performs the request, and turns transport errors and non-2xx status codes into errors.
// On success, the caller must close the response body.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
		}
	}
	return resp, nil
}

// GetJSON fetches url and decodes the JSON response into a new T
func GetJSON[T any](ctx context.Context, client *http.Client, url string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := Do(client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var responseObj T
	if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	return &responseObj, nil
}

// ErrTooLarge is returned by GetBytes when the body exceeds maxBytes
var ErrTooLarge = errors.New("response body too large")

// GetBytes fetches url and returns the whole body.
// If maxBytes is positive, bodies larger than that fail with ErrTooLarge.
// A body that is cut short by the network is an error, so callers never see a partial download.
func GetBytes(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := Do(client, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %v bytes", ErrTooLarge, maxBytes)
	}
	if resp.ContentLength >= 0 && int64(len(b)) != resp.ContentLength {
		return nil, fmt.Errorf("%w: read %v of %v bytes", io.ErrUnexpectedEOF, len(b), resp.ContentLength)
	}
	return b, nil
}

// IsTransient returns true if err is the kind of failure that may succeed on retry:
// network errors, per-call timeouts, truncated bodies, 429 and 5xx responses.
// A cancelled context is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
