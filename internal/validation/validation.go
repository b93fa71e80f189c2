package validation

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
)

// MaxDimension bounds WIDTH and HEIGHT of an overlay request in pixels.
const MaxDimension = 4096

// ErrBBoxMissing is returned when no BBOX parameter is present.
var ErrBBoxMissing = errors.New("bbox is required")

// ErrBBoxInvalid is returned when BBOX is not four finite numbers with min < max.
var ErrBBoxInvalid = errors.New("bbox must be minx,miny,maxx,maxy with min < max")

// ErrDimensionInvalid is returned when WIDTH or HEIGHT is not an integer in [1, MaxDimension].
var ErrDimensionInvalid = errors.New("width and height must be integers between 1 and 4096")

// ErrCRSInvalid is returned when CRS/SRS is not an EPSG or CRS code.
var ErrCRSInvalid = errors.New("crs must look like EPSG:3857 or CRS:84")

var crsPattern = regexp.MustCompile(`^(EPSG|CRS):[0-9]{1,6}$`)

// ParseBBox parses "minx,miny,maxx,maxy".
func ParseBBox(input string) (models.BBox, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return models.BBox{}, ErrBBoxMissing
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return models.BBox{}, ErrBBoxInvalid
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return models.BBox{}, ErrBBoxInvalid
		}
		v[i] = f
	}
	b := models.BBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
	if !b.Valid() {
		return models.BBox{}, ErrBBoxInvalid
	}
	return b, nil
}

// ParseDimension parses a pixel size. Empty input returns 0, meaning "use the source default".
func ParseDimension(input string) (int, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > MaxDimension {
		return 0, ErrDimensionInvalid
	}
	return n, nil
}

// ParseCRS upper-cases and checks a CRS code. Empty input returns "".
func ParseCRS(input string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(input))
	if s == "" {
		return "", nil
	}
	if !crsPattern.MatchString(s) {
		return "", ErrCRSInvalid
	}
	return s, nil
}

// ParseRefresh reports whether a ?refresh= value asks for a forced refresh.
// Unknown values are treated as false rather than rejected.
func ParseRefresh(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "force":
		return true
	}
	return false
}

// ParseOverlayRequest builds an OverlayRequest from WMS-style query parameters.
// Parameter names are matched case-insensitively; CRS wins over SRS.
func ParseOverlayRequest(q url.Values) (models.OverlayRequest, error) {
	get := func(name string) string {
		for k, vs := range q {
			if strings.EqualFold(k, name) && len(vs) > 0 {
				return vs[0]
			}
		}
		return ""
	}

	bbox, err := ParseBBox(get("BBOX"))
	if err != nil {
		return models.OverlayRequest{}, err
	}
	width, err := ParseDimension(get("WIDTH"))
	if err != nil {
		return models.OverlayRequest{}, fmt.Errorf("width: %w", err)
	}
	height, err := ParseDimension(get("HEIGHT"))
	if err != nil {
		return models.OverlayRequest{}, fmt.Errorf("height: %w", err)
	}
	crsRaw := get("CRS")
	if crsRaw == "" {
		crsRaw = get("SRS")
	}
	crs, err := ParseCRS(crsRaw)
	if err != nil {
		return models.OverlayRequest{}, err
	}
	return models.OverlayRequest{BBox: bbox, Width: width, Height: height, CRS: crs}, nil
}
