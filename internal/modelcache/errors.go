package modelcache

import "errors"

// LoadFailure reports an unreadable or malformed archive or an engine that
// refused the weights. Nothing is cached for the path; a later Load retries.
type LoadFailure struct {
	Path string
	Err  error
}

func (e *LoadFailure) Error() string { return "load failure: " + e.Path + ": " + e.Err.Error() }

func (e *LoadFailure) Unwrap() error { return e.Err }

// IsLoadFailure reports whether err is (or wraps) a LoadFailure.
func IsLoadFailure(err error) bool {
	var lf *LoadFailure
	return errors.As(err, &lf)
}
