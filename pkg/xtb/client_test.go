package xtb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimize_SendsParams(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/optimize", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0", r.FormValue("charge"))
		assert.Equal(t, "0", r.FormValue("uhf"))
		assert.Equal(t, "2", r.FormValue("gfn"))
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "structure.xyz", hdr.Filename)
		w.Write([]byte("final-xyz"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	out, err := c.Optimize(context.Background(), []byte("opt1-xyz"), DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "final-xyz", string(out))
}

func TestOptimize_RejectsBadGFN(t *testing.T) {
	t.Parallel()

	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Optimize(context.Background(), []byte("x"), Params{GFN: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gfn")
}

func TestOptimize_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("scf did not converge"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Optimize(context.Background(), []byte("x"), DefaultParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scf did not converge")
}
