package strategy

import (
	"context"
	"net/http"
	"net/url"
	"path"

	"github.com/pkg/errors"
)

// Fetcher performs the real network fetch for an intercepted request
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NewUpstream returns a fetcher that forwards requests to the origin the
// worker fronts
func NewUpstream(target string) (*Upstream, error) {
	if target == "" {
		return nil, errors.New("no upstream target provided")
	}
	base, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse upstream target")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("upstream target %q is not an absolute URL", target)
	}

	return &Upstream{
		base: base,
		http: &http.Client{},
	}, nil
}

// Upstream forwards requests to the configured origin
type Upstream struct {
	base *url.URL
	http *http.Client
}

// Fetch rewrites the request onto the upstream origin and executes it
// Timeouts are the network stack's own, the worker owns no timer
func (u *Upstream) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	tURL := *u.base
	tURL.Path = path.Join(tURL.Path, req.URL.Path)
	tURL.RawQuery = req.URL.RawQuery

	targetReq, err := http.NewRequestWithContext(ctx, req.Method, tURL.String(), req.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create upstream request")
	}
	targetReq.ContentLength = req.ContentLength
	for name, values := range req.Header {
		for _, v := range values {
			targetReq.Header.Add(name, v)
		}
	}

	resp, err := u.http.Do(targetReq)
	if err != nil {
		return nil, errors.Wrap(err, "upstream request failed")
	}

	return resp, nil
}
