package onnx

import "fmt"

// ExportError reports a classifier that cannot be expressed in the target
// graph, an artifact that does not match its classifier, or a destination
// that cannot be written.
type ExportError struct {
	Op     string
	Path   string
	Reason string
	Err    error
}

func (e *ExportError) Error() string {
	msg := fmt.Sprintf("export %s: %s", e.Op, e.Reason)
	if e.Path != "" {
		msg = fmt.Sprintf("export %s %s: %s", e.Op, e.Path, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExportError) Unwrap() error { return e.Err }

// IOError reports a failure while writing or reading artifact bytes.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
