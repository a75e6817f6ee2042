// Package convert is a client for the structure file conversion service.
package convert

import (
	"bytes"
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mof-screen/pkg/compute"
)

// DefaultTimeout bounds a single conversion.
const DefaultTimeout = 120 * time.Second

// Client converts structure files between formats. The target format is
// implied by the source: CIF converts to XYZ and XYZ converts to CIF.
type Client interface {
	Convert(ctx context.Context, filename string, content []byte) ([]byte, error)
}

type httpClient struct {
	base    *compute.Base
	timeout time.Duration
}

// NewClient creates a conversion client.
func NewClient(baseURL string, timeout time.Duration, opts ...compute.Option) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &httpClient{base: compute.NewBase("converter", baseURL, opts...), timeout: timeout}
}

func (c *httpClient) Convert(ctx context.Context, filename string, content []byte) ([]byte, error) {
	resp, err := c.base.Do(ctx, "convert "+filename, c.timeout, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFileReader("file", filename, bytes.NewReader(content)).Post("/convert/")
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Body()) == 0 {
		return nil, eris.Errorf("converter: convert %s: empty response", filename)
	}
	return resp.Body(), nil
}
