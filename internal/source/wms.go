package source

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
)

const (
	defaultWMSVersion = "1.3.0"
	defaultWMSCRS     = "EPSG:3857"
	defaultWMSFormat  = "image/png"
	defaultTileSize   = 256
)

// WMS builds GetMap requests and returns the image untouched.
type WMS struct {
	client *Client
}

// NewWMS returns a WMS adapter backed by client.
func NewWMS(client *Client) *WMS {
	return &WMS{client: client}
}

// GetMap fetches one overlay image for req.
func (w *WMS) GetMap(ctx context.Context, cfg models.SourceConfig, req models.OverlayRequest) (models.Overlay, error) {
	mapURL, err := GetMapURL(cfg, req)
	if err != nil {
		return models.Overlay{}, err
	}
	resp, err := w.client.get(ctx, "wms", mapURL, "image/*")
	if err != nil {
		return models.Overlay{}, fmt.Errorf("wms getmap: %w", err)
	}
	mediaType, _, err := mime.ParseMediaType(resp.contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return models.Overlay{}, fmt.Errorf("wms getmap: %w: %w %q", ErrUpstream, ErrContentType, resp.contentType)
	}
	return models.Overlay{Data: resp.body, ContentType: mediaType}, nil
}

// GetMapURL builds the GetMap URL. Query parameters already present on cfg.URL
// (e.g. a MapServer "map" parameter) are kept.
func GetMapURL(cfg models.SourceConfig, req models.OverlayRequest) (string, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return "", fmt.Errorf("%w: wms url is empty", ErrConfig)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid wms url %q", ErrConfig, raw)
	}
	if !req.BBox.Valid() {
		return "", fmt.Errorf("%w: bbox %s", ErrInvalidRequest, req.BBox)
	}

	version := firstNonEmpty(cfg.Version, defaultWMSVersion)
	crs := firstNonEmpty(req.CRS, cfg.CRS, defaultWMSCRS)
	layers := strings.Join(cfg.Layers, ",")
	if layers == "" {
		layers = "0"
	}
	width := firstPositive(req.Width, cfg.Width, defaultTileSize)
	height := firstPositive(req.Height, cfg.Height, defaultTileSize)

	q := u.Query()
	q.Set("SERVICE", "WMS")
	q.Set("VERSION", version)
	q.Set("REQUEST", "GetMap")
	q.Set("LAYERS", layers)
	q.Set("STYLES", "")
	if strings.HasPrefix(version, "1.1") {
		q.Set("SRS", crs)
	} else {
		q.Set("CRS", crs)
	}
	q.Set("BBOX", req.BBox.String())
	q.Set("WIDTH", strconv.Itoa(width))
	q.Set("HEIGHT", strconv.Itoa(height))
	q.Set("FORMAT", firstNonEmpty(cfg.Format, defaultWMSFormat))
	q.Set("TRANSPARENT", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
