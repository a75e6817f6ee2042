// Package zeopp is a client for the Zeo++ structural-analysis service.
package zeopp

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/pkg/compute"
)

// Property names as they appear in the analysis result.
const (
	PoreDiameter     = "pore_diameter"
	SurfaceArea      = "surface_area"
	AccessibleVolume = "accessible_volume"
	ProbeVolume      = "probe_volume"
	ChannelAnalysis  = "channel_analysis"
)

// Default geometry parameters.
const (
	ProbeRadius    = 1.2
	ChannelRadius  = 1.2
	Samples        = 2000
	PSDChanRadius  = 1.86
	DefaultTimeout = 300 * time.Second
)

// Client runs structural analysis on a CIF file.
type Client interface {
	// Properties calls every property endpoint. A failing endpoint yields an
	// {"error": "..."} marker for that property instead of failing the call.
	Properties(ctx context.Context, filename string, cif []byte) (map[string]any, error)
	// PoreSizeDistribution downloads the pore size distribution histogram.
	PoreSizeDistribution(ctx context.Context, filename string, cif []byte) ([]byte, error)
}

type endpoint struct {
	property string
	path     string
	params   map[string]string
}

func geometryParams() map[string]string {
	return map[string]string{
		"probe_radius": strconv.FormatFloat(ProbeRadius, 'f', -1, 64),
		"chan_radius":  strconv.FormatFloat(ChannelRadius, 'f', -1, 64),
		"samples":      strconv.Itoa(Samples),
	}
}

var endpoints = []endpoint{
	{PoreDiameter, "/pore_diameter", map[string]string{"-ha": "true"}},
	{SurfaceArea, "/surface_area", geometryParams()},
	{AccessibleVolume, "/accessible_volume", geometryParams()},
	{ProbeVolume, "/probe_volume", geometryParams()},
	{ChannelAnalysis, "/channel_analysis", map[string]string{"probe_radius": strconv.FormatFloat(ProbeRadius, 'f', -1, 64)}},
}

type httpClient struct {
	base    *compute.Base
	timeout time.Duration
}

// NewClient creates a Zeo++ client. timeout applies to each request; zero
// uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, opts ...compute.Option) Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &httpClient{base: compute.NewBase("zeopp", baseURL, opts...), timeout: timeout}
}

func (c *httpClient) Properties(ctx context.Context, filename string, cif []byte) (map[string]any, error) {
	props := make(map[string]any, len(endpoints))
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "zeopp: properties")
		}

		v, err := c.property(ctx, ep, filename, cif)
		if err != nil {
			zap.L().Warn("zeopp: property failed",
				zap.String("property", ep.property),
				zap.String("file", filename),
				zap.Error(err),
			)
			props[ep.property] = map[string]any{"error": err.Error()}
			continue
		}
		props[ep.property] = v
	}
	return props, nil
}

func (c *httpClient) property(ctx context.Context, ep endpoint, filename string, cif []byte) (any, error) {
	resp, err := c.base.Do(ctx, ep.property, c.timeout, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFileReader("structure_file", filename, bytes.NewReader(cif)).
			SetFormData(ep.params).
			Post(ep.path)
	})
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(resp.Body(), &v); err != nil {
		return nil, eris.Wrapf(err, "zeopp: %s: decode response", ep.property)
	}
	return v, nil
}

func (c *httpClient) PoreSizeDistribution(ctx context.Context, filename string, cif []byte) ([]byte, error) {
	params := map[string]string{
		"probe_radius": strconv.FormatFloat(ProbeRadius, 'f', -1, 64),
		"chan_radius":  strconv.FormatFloat(PSDChanRadius, 'f', -1, 64),
		"samples":      strconv.Itoa(Samples),
	}
	resp, err := c.base.Do(ctx, "pore_size_dist", c.timeout, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFileReader("structure_file", filename, bytes.NewReader(cif)).
			SetFormData(params).
			Post("/pore_size_dist/download")
	})
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}
