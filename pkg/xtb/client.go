// Package xtb is a client for the GFN-xTB optimization service.
package xtb

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mof-screen/pkg/compute"
)

// DefaultTimeout bounds one optimization. xTB runs can take most of an hour.
const DefaultTimeout = time.Hour

// Params are the electronic-structure settings for a run.
type Params struct {
	Charge int
	UHF    int
	GFN    int
}

// DefaultParams is a neutral closed-shell GFN2 run.
func DefaultParams() Params {
	return Params{Charge: 0, UHF: 0, GFN: 2}
}

// Client optimizes an XYZ structure and returns the optimized file.
type Client interface {
	Optimize(ctx context.Context, xyz []byte, p Params) ([]byte, error)
}

type httpClient struct {
	base    *compute.Base
	timeout time.Duration
}

// NewClient creates an xTB client.
func NewClient(baseURL string, timeout time.Duration, opts ...compute.Option) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &httpClient{base: compute.NewBase("xtb", baseURL, opts...), timeout: timeout}
}

func (c *httpClient) Optimize(ctx context.Context, xyz []byte, p Params) ([]byte, error) {
	if p.GFN < 0 || p.GFN > 2 {
		return nil, eris.Errorf("xtb: gfn must be 0, 1 or 2, got %d", p.GFN)
	}
	form := map[string]string{
		"charge": strconv.Itoa(p.Charge),
		"uhf":    strconv.Itoa(p.UHF),
		"gfn":    strconv.Itoa(p.GFN),
	}
	resp, err := c.base.Do(ctx, "optimize", c.timeout, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFileReader("file", "structure.xyz", bytes.NewReader(xyz)).
			SetFormData(form).
			Post("/optimize")
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Body()) == 0 {
		return nil, eris.New("xtb: optimize: empty response")
	}
	return resp.Body(), nil
}
