package solver

import (
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrEmptyImage is returned when a download succeeds but the body is
// zero bytes.
var ErrEmptyImage = errors.New("solver: url refers to an empty file")

const (
	downloadTimeout  = 8 * time.Second
	maxImageBodySize = 16 << 20
)

// Downloader fetches CAPTCHA images over HTTP so agents can solve
// straight from a URL.
type Downloader struct {
	client fasthttp.Client
}

// NewDownloader returns a Downloader with bounded read timeout and
// response size.
func NewDownloader() *Downloader {
	return &Downloader{
		client: fasthttp.Client{
			ReadTimeout:         downloadTimeout,
			MaxResponseBodySize: maxImageBodySize,
		},
	}
}

// Download retrieves the image at url into memory.
func (d *Downloader) Download(url string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	if err := d.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("solver: download %s: %w", url, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return nil, fmt.Errorf("solver: download %s: http code %d", url, code)
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, ErrEmptyImage
	}
	// The response buffer is pooled; hand back a copy.
	out := make([]byte, len(body))
	copy(out, body)
	return out, nil
}
