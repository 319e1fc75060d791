package timeseries

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest wraps input problems reported synchronously by Request.
var ErrInvalidRequest = errors.New("invalid analysis request")

// QuotaError reports a layer matching more assets than one analysis may query.
type QuotaError struct {
	Limit int
	Count int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("too many requests: analysis is limited to %d assets per layer and this one requires %d", e.Limit, e.Count)
}

// AssetError identifies the asset whose statistics call failed a layer.
type AssetError struct {
	Index int
	Date  string
	URL   string
	Err   error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset %d (%s, %s): %v", e.Index, e.Date, e.URL, e.Err)
}

func (e *AssetError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
