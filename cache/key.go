package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

const snapExt = ".snap"

// Key returns the request identity for a method and URL
// The identity is the uppercased method and the origin relative URL with
// the fragment stripped, the worker serves a single origin
func Key(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""

	return strings.ToUpper(method) + " " + c.RequestURI()
}

// KeyForPath returns the request identity for a GET of an asset path
func KeyForPath(path string) string {
	u, err := url.Parse(path)
	if err != nil {
		return http.MethodGet + " " + path
	}

	return Key(http.MethodGet, u)
}

// Filename returns the snapshot file name for a request identity
func Filename(key string) string {
	sum := sha256.Sum256([]byte(key))

	return hex.EncodeToString(sum[:]) + snapExt
}
