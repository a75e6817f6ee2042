// Package mace is a client for the MACE geometry optimization service. An
// optimization returns a JSON document with download links; the optimized
// structure is fetched in a second request.
package mace

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mof-screen/pkg/compute"
)

// Default timeouts.
const (
	DefaultOptimizeTimeout = 600 * time.Second
	DefaultDownloadTimeout = 120 * time.Second
)

// Client optimizes an XYZ structure and returns the optimized XYZ.
type Client interface {
	Optimize(ctx context.Context, xyz []byte) ([]byte, error)
}

type optimizeResponse struct {
	DownloadLinks struct {
		XYZ string `json:"xyz"`
	} `json:"download_links"`
}

type httpClient struct {
	base            *compute.Base
	optimizeTimeout time.Duration
	downloadTimeout time.Duration
}

// NewClient creates a MACE client. timeout bounds the optimize call.
func NewClient(baseURL string, timeout time.Duration, opts ...compute.Option) Client {
	if timeout <= 0 {
		timeout = DefaultOptimizeTimeout
	}
	return &httpClient{
		base:            compute.NewBase("mace", baseURL, opts...),
		optimizeTimeout: timeout,
		downloadTimeout: DefaultDownloadTimeout,
	}
}

func (c *httpClient) Optimize(ctx context.Context, xyz []byte) ([]byte, error) {
	resp, err := c.base.Do(ctx, "optimize", c.optimizeTimeout, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFileReader("structure_file", "structure.xyz", bytes.NewReader(xyz)).Post("/optimize")
	})
	if err != nil {
		return nil, err
	}

	var out optimizeResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, eris.Wrap(err, "mace: decode optimize response")
	}
	if out.DownloadLinks.XYZ == "" {
		return nil, eris.New("mace: no xyz download link in response")
	}

	dl, err := c.base.Do(ctx, "download", c.downloadTimeout, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(out.DownloadLinks.XYZ)
	})
	if err != nil {
		return nil, err
	}
	return dl.Body(), nil
}
