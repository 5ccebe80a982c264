package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// EarthRadiusKm is the radius used by the global binning grid.
const EarthRadiusKm = 6378.145

var (
	ErrNoPeriods      = errors.New("date range yields no periods")
	ErrMissingParam   = errors.New("missing parameter")
	ErrInvalidRequest = errors.New("invalid production request")
)

// ProductionRequest is what a user orders. Parameters are passed to the
// backend untouched; a few of them are interpreted locally for validation.
type ProductionRequest struct {
	ProductionType string            `json:"productionType" yaml:"production_type"`
	UserName       string            `json:"userName" yaml:"user"`
	Parameters     map[string]string `json:"parameters" yaml:"parameters"`
}

func (r *ProductionRequest) Param(name string) string {
	return strings.TrimSpace(r.Parameters[name])
}

func (r *ProductionRequest) Validate() error {
	if strings.TrimSpace(r.ProductionType) == "" {
		return fmt.Errorf("%w: production type is empty", ErrInvalidRequest)
	}
	if r.Param("minDate") != "" || r.Param("maxDate") != "" {
		if _, err := r.DateRanges(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	if r.Param("resolution") != "" {
		if _, err := r.floatParam("resolution"); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return nil
}

// DateRange is an inclusive range of days.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (d DateRange) String() string {
	return d.Start.Format(DateLayout) + ":" + d.End.Format(DateLayout)
}

// DateRanges expands minDate/maxDate with periodLength (stepping) and
// compositingPeriodLength into the list of processing periods. Without a
// period length the whole range is one period.
func (r *ProductionRequest) DateRanges() ([]DateRange, error) {
	minDate, err := r.dateParam("minDate")
	if err != nil {
		return nil, err
	}
	maxDate, err := r.dateParam("maxDate")
	if err != nil {
		return nil, err
	}
	if maxDate.Before(minDate) {
		return nil, fmt.Errorf("%w: maxDate %s before minDate %s", ErrNoPeriods,
			maxDate.Format(DateLayout), minDate.Format(DateLayout))
	}
	if r.Param("periodLength") == "" {
		return []DateRange{{Start: minDate, End: maxDate}}, nil
	}
	step, err := r.periodParam("periodLength")
	if err != nil {
		return nil, err
	}
	compositing := step
	if r.Param("compositingPeriodLength") != "" {
		if compositing, err = r.periodParam("compositingPeriodLength"); err != nil {
			return nil, err
		}
	}
	return ComputePeriodRanges(minDate, maxDate, step, compositing)
}

// PeriodCount is len(DateRanges()).
func (r *ProductionRequest) PeriodCount() (int, error) {
	ranges, err := r.DateRanges()
	if err != nil {
		return 0, err
	}
	return len(ranges), nil
}

// BBox is a lon/lat bounding box in degrees.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox %q: want 4 comma separated values", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if b.MaxLon <= b.MinLon || b.MaxLat <= b.MinLat {
		return BBox{}, fmt.Errorf("bbox %q is empty", s)
	}
	return b, nil
}

// TargetSize is the raster size of an L3 product in pixels.
type TargetSize struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	NumRows  int     `json:"numRows"`
	PixelDeg float64 `json:"pixelDeg"`
}

// EstimateTargetSize derives the output raster size of a binned product
// from the planetary grid that a resolution in km implies.
func EstimateTargetSize(b BBox, resolutionKm float64) (TargetSize, error) {
	if resolutionKm <= 0 {
		return TargetSize{}, fmt.Errorf("resolution must be positive, got %v", resolutionKm)
	}
	numRows := 2 * int(math.Round(math.Pi*EarthRadiusKm/(2*resolutionKm)))
	if numRows < 2 {
		numRows = 2
	}
	pixel := 180.0 / float64(numRows)
	w := int(math.Ceil((b.MaxLon - b.MinLon) / pixel))
	h := int(math.Ceil((b.MaxLat - b.MinLat) / pixel))
	return TargetSize{Width: max(w, 1), Height: max(h, 1), NumRows: numRows, PixelDeg: pixel}, nil
}

// TargetSize reads bbox and resolution from the request parameters.
func (r *ProductionRequest) TargetSize() (TargetSize, error) {
	raw := r.Param("bbox")
	if raw == "" {
		raw = "-180,-90,180,90"
	}
	b, err := ParseBBox(raw)
	if err != nil {
		return TargetSize{}, err
	}
	res, err := r.floatParam("resolution")
	if err != nil {
		return TargetSize{}, err
	}
	return EstimateTargetSize(b, res)
}

func (r *ProductionRequest) dateParam(name string) (time.Time, error) {
	v := r.Param(name)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parameter %s: %w", name, err)
	}
	return t, nil
}

func (r *ProductionRequest) periodParam(name string) (Period, error) {
	v := r.Param(name)
	if v == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	p, err := ParsePeriod(v)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	return p, nil
}

func (r *ProductionRequest) floatParam(name string) (float64, error) {
	v := r.Param(name)
	if v == "" {
		return 0, fmt.Errorf("%w: %s", ErrMissingParam, name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return f, nil
}
