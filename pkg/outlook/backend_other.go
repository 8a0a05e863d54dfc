//go:build !windows

package outlook

import "context"

type unsupportedBackend struct{}

// NewDefaultBackend returns a backend that reports Outlook as unavailable.
func NewDefaultBackend() Backend {
	return unsupportedBackend{}
}

func (unsupportedBackend) Status(context.Context, string) (*Status, error) {
	return nil, ErrNotSupported
}

func (unsupportedBackend) AdvancedSearch(context.Context, SearchQuery) ([]Email, error) {
	return nil, ErrNotSupported
}

func (unsupportedBackend) RestrictSearch(context.Context, SearchQuery) ([]Email, error) {
	return nil, ErrNotSupported
}
