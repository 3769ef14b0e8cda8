package dataset

import "fmt"

// InsufficientDataError is returned when a dataset is too small, or a
// requested partition would leave one side empty.
type InsufficientDataError struct {
	Stage string
	Param string
	N     int
	Ratio float64
}

func (e *InsufficientDataError) Error() string {
	if e.Ratio != 0 {
		return fmt.Sprintf("%s: insufficient data: %s (n=%d, ratio=%g)", e.Stage, e.Param, e.N, e.Ratio)
	}
	return fmt.Sprintf("%s: insufficient data: %s (n=%d)", e.Stage, e.Param, e.N)
}
