package snapshot

import "fmt"

// UnverifiedDataError reports a source payload whose signature did not
// verify against the source's trusted key. This is fatal to snapshot
// assembly: using unverified data could corrupt a financial or security
// decision, so the failure is never retried silently.
type UnverifiedDataError struct {
	Source string
}

func (e *UnverifiedDataError) Error() string {
	return fmt.Sprintf("source %q: payload signature verification failed", e.Source)
}

// UnknownSourceError reports a fetch request for a source that was
// never registered.
type UnknownSourceError struct {
	Source string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown data source: %q", e.Source)
}

// FetchError reports a failed upstream fetch with no usable cached
// payload. Snapshot assembly fails entirely; there are no partial
// snapshots.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %q: fetch failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
