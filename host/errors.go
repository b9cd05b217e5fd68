package host

import "fmt"

// LoadError reports a failure to fetch, compile, or instantiate a
// module. The bridge translates it into a diagnostic event; it never
// crashes the session.
type LoadError struct {
	Locator string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Locator, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
