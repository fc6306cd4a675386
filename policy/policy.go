package policy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class represents the policy class of a request
type Class string

const (
	// ClassSkip represents a request the worker does not intercept
	ClassSkip Class = "skip"
	// ClassAPI represents an API call
	ClassAPI Class = "api-call"
	// ClassNavigation represents a page navigation
	ClassNavigation Class = "navigation"
	// ClassStatic represents a static asset request
	ClassStatic Class = "static-asset"
	// ClassOther represents any other intercepted request
	ClassOther Class = "other"
)

// Strategy represents the fetch strategy chosen for a request
type Strategy string

const (
	// StrategyNone means no strategy applies, the request passes through
	StrategyNone Strategy = "none"
	// StrategyCacheFirst consults the cache before the network
	StrategyCacheFirst Strategy = "cache-first"
	// StrategyNetworkFirst consults the network before the cache
	StrategyNetworkFirst Strategy = "network-first"
)

// Decision is the classification result for a single request
// It is derived purely from the request and never persisted
type Decision struct {
	Class    Class
	Strategy Strategy
}

// Skip reports whether the worker passes the request through unmodified
func (d Decision) Skip() bool {
	return d.Class == ClassSkip
}

// NewClassifier returns a classifier selecting the network-first policy
// for the provided API path prefixes
func NewClassifier(apiPrefixes []string) *Classifier {
	prefixes := make([]string, 0, len(apiPrefixes))
	for _, p := range apiPrefixes {
		prefixes = append(prefixes, strings.TrimSuffix(p, "/"))
	}

	return &Classifier{prefixes: prefixes}
}

// Classifier maps a request to a policy decision
type Classifier struct {
	prefixes []string
}

// Classify returns the policy decision for a request
// Rules are evaluated in priority order and the first match wins, so a
// path that could match multiple classes is never ambiguous
func (c *Classifier) Classify(method string, u *url.URL, header http.Header) Decision {
	if !strings.EqualFold(method, http.MethodGet) || isUpgrade(u, header) {
		return Decision{Class: ClassSkip, Strategy: StrategyNone}
	}
	if c.matchesAPI(u.Path) {
		return Decision{Class: ClassAPI, Strategy: StrategyNetworkFirst}
	}
	if isNavigation(header) {
		return Decision{Class: ClassNavigation, Strategy: StrategyCacheFirst}
	}
	if path.Ext(u.Path) != "" {
		return Decision{Class: ClassStatic, Strategy: StrategyCacheFirst}
	}

	return Decision{Class: ClassOther, Strategy: StrategyCacheFirst}
}

// matchesAPI reports whether a path falls under a configured API prefix
// Matching is segment aware, /api/v1/auth does not claim /api/v1/authx
func (c *Classifier) matchesAPI(reqPath string) bool {
	for _, p := range c.prefixes {
		if reqPath == p || strings.HasPrefix(reqPath, p+"/") {
			return true
		}
	}

	return false
}

// isUpgrade reports whether the request asks for a protocol upgrade
func isUpgrade(u *url.URL, header http.Header) bool {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "ws" || scheme == "wss" {
		return true
	}
	if header.Get("Upgrade") != "" {
		return true
	}
	for _, v := range header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}

	return false
}

// isNavigation reports whether the request is a page navigation
func isNavigation(header http.Header) bool {
	if header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}

	return strings.Contains(header.Get("Accept"), "text/html")
}
