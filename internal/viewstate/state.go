// Package viewstate builds, validates, navigates and persists the viewport
// onto the complex plane.
package viewstate

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/ChuLiYu/tilerender/pkg/types"
)

const (
	// DefaultCenterX and DefaultCenterY frame the whole set.
	DefaultCenterX = -0.5
	DefaultCenterY = 0.0
	// DefaultPlaneHeight is the height of the complex plane shown by Initial.
	DefaultPlaneHeight = 3.0
	// DefaultMaxIterations is the iteration cap of a fresh view.
	DefaultMaxIterations = 500
)

// ErrInvalidViewState is returned for a view no render can use.
var ErrInvalidViewState = errors.New("invalid view state")

// Initial returns the default view for a surface height pixels tall.
func Initial(height int) types.ViewState {
	if height < 1 {
		height = 1
	}
	return types.ViewState{
		CenterX:       DefaultCenterX,
		CenterY:       DefaultCenterY,
		UnitsPerPixel: DefaultPlaneHeight / float64(height),
		MaxIterations: DefaultMaxIterations,
	}
}

// Validate checks that v has a finite centre, a positive finite scale and
// at least one iteration.
func Validate(v types.ViewState) error {
	switch {
	case !finite(v.CenterX) || !finite(v.CenterY):
		return fmt.Errorf("%w: centre (%g, %g)", ErrInvalidViewState, v.CenterX, v.CenterY)
	case !finite(v.UnitsPerPixel) || v.UnitsPerPixel <= 0:
		return fmt.Errorf("%w: units per pixel %g", ErrInvalidViewState, v.UnitsPerPixel)
	case v.MaxIterations < 1:
		return fmt.Errorf("%w: max iterations %d", ErrInvalidViewState, v.MaxIterations)
	}
	return nil
}

// ToQuery encodes v as cx, cy, pp and it parameters.
func ToQuery(v types.ViewState) url.Values {
	q := url.Values{}
	q.Set("cx", strconv.FormatFloat(v.CenterX, 'g', -1, 64))
	q.Set("cy", strconv.FormatFloat(v.CenterY, 'g', -1, 64))
	q.Set("pp", strconv.FormatFloat(v.UnitsPerPixel, 'g', -1, 64))
	q.Set("it", strconv.Itoa(v.MaxIterations))
	return q
}

// FromQuery decodes a view written by ToQuery. Missing parameters keep the
// value from base; present but malformed ones are an error.
func FromQuery(q url.Values, base types.ViewState) (types.ViewState, error) {
	v := base

	floats := []struct {
		key string
		dst *float64
	}{
		{"cx", &v.CenterX},
		{"cy", &v.CenterY},
		{"pp", &v.UnitsPerPixel},
	}
	for _, f := range floats {
		s := q.Get(f.key)
		if s == "" {
			continue
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return base, fmt.Errorf("%w: %s=%q", ErrInvalidViewState, f.key, s)
		}
		*f.dst = n
	}

	if s := q.Get("it"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return base, fmt.Errorf("%w: it=%q", ErrInvalidViewState, s)
		}
		v.MaxIterations = n
	}

	if err := Validate(v); err != nil {
		return base, err
	}
	return v, nil
}

// Parse decodes a query string such as "cx=-0.5&cy=0&pp=0.01&it=500".
func Parse(raw string, base types.ViewState) (types.ViewState, error) {
	q, err := url.ParseQuery(raw)
	if err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidViewState, err)
	}
	return FromQuery(q, base)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
