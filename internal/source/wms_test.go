package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
)

var houstonBBox = models.BBox{MinX: -95.8, MinY: 29.5, MaxX: -95.0, MaxY: 30.1}

func TestGetMapURL(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		got, err := GetMapURL(
			models.SourceConfig{URL: "https://maps.example.com/wms?map=flood", Layers: []string{"fema", "noaa"}},
			models.OverlayRequest{BBox: houstonBBox},
		)
		require.NoError(t, err)
		u, err := url.Parse(got)
		require.NoError(t, err)
		q := u.Query()
		assert.Equal(t, "flood", q.Get("map"))
		assert.Equal(t, "WMS", q.Get("SERVICE"))
		assert.Equal(t, "GetMap", q.Get("REQUEST"))
		assert.Equal(t, "1.3.0", q.Get("VERSION"))
		assert.Equal(t, "fema,noaa", q.Get("LAYERS"))
		assert.Equal(t, "EPSG:3857", q.Get("CRS"))
		assert.Equal(t, "-95.8,29.5,-95,30.1", q.Get("BBOX"))
		assert.Equal(t, "256", q.Get("WIDTH"))
		assert.Equal(t, "image/png", q.Get("FORMAT"))
		assert.Equal(t, "true", q.Get("TRANSPARENT"))
	})

	t.Run("1.1.1 uses SRS and request size wins", func(t *testing.T) {
		got, err := GetMapURL(
			models.SourceConfig{URL: "https://maps.example.com/wms", Version: "1.1.1", Width: 512, Height: 512},
			models.OverlayRequest{BBox: houstonBBox, Width: 1024, CRS: "EPSG:4326"},
		)
		require.NoError(t, err)
		u, _ := url.Parse(got)
		q := u.Query()
		assert.Equal(t, "EPSG:4326", q.Get("SRS"))
		assert.Empty(t, q.Get("CRS"))
		assert.Equal(t, "1024", q.Get("WIDTH"))
		assert.Equal(t, "512", q.Get("HEIGHT"))
		assert.Equal(t, "0", q.Get("LAYERS"))
	})

	t.Run("invalid bbox is a request error, not config", func(t *testing.T) {
		_, err := GetMapURL(models.SourceConfig{URL: "https://maps.example.com/wms"}, models.OverlayRequest{BBox: models.BBox{MinX: 1, MaxX: 0, MinY: 0, MaxY: 1}})
		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.NotErrorIs(t, err, ErrConfig)
	})

	t.Run("missing url", func(t *testing.T) {
		_, err := GetMapURL(models.SourceConfig{}, models.OverlayRequest{BBox: houstonBBox})
		require.ErrorIs(t, err, ErrConfig)
	})
}

func TestWMS_GetMap(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	tests := []struct {
		name        string
		status      int
		contentType string
		wantErr     error
	}{
		{"image", http.StatusOK, "image/png", nil},
		{"image with params", http.StatusOK, "image/png; charset=binary", nil},
		{"service exception", http.StatusOK, "application/vnd.ogc.se_xml", ErrContentType},
		{"server error", http.StatusInternalServerError, "text/html", ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_, _ = w.Write(png)
			}))
			defer srv.Close()

			overlay, err := NewWMS(NewClient(time.Second)).GetMap(context.Background(), models.SourceConfig{URL: srv.URL}, models.OverlayRequest{BBox: houstonBBox})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrUpstream)
				assert.True(t, overlay.Empty())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, png, overlay.Data)
			assert.Equal(t, "image/png", overlay.ContentType)
		})
	}
}
