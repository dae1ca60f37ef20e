package assets

import (
	"errors"
	"fmt"
)

// ErrFetchFailed is matched by every error returned from Fetcher.Fetch
var ErrFetchFailed = errors.New("fetch failed")

// Fetch failure stages
const (
	OpDownload = "download" // non-2xx status, network failure, stream interruption
	OpPersist  = "persist"  // local filesystem failure
)

// FetchError carries the stage and underlying cause of a failed fetch
type FetchError struct {
	Op  string
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", ErrFetchFailed, e.Op, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFetchFailed) true for any FetchError
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// IsPersistence reports whether err failed while writing to local storage
func IsPersistence(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Op == OpPersist
}

// StatusError is the cause recorded when the source answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}
