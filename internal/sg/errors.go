package sg

import (
	"errors"
	"fmt"
	"io/fs"
)

// OpenError reports a failure to open a device node.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string { return fmt.Sprintf("sg open %s: %v", e.Path, e.Err) }

func (e *OpenError) Unwrap() error { return e.Err }

// IsPermission reports whether err is a permission or privilege failure,
// which probing treats as "skip this device".
func IsPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}
