package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/hooktrap/hooktrap/log"
)

const bearerPrefix = "Bearer "

// ErrAuthMissing means no credential was presented at all.
var ErrAuthMissing = errors.New("authorization required")

// ErrAuthInvalid means a credential was presented and did not match.
var ErrAuthInvalid = errors.New("invalid authorization key")

// Authenticate checks the request against expectedKey. An empty
// expectedKey disables authentication. The token is read from
// `Authorization: Bearer ...` first; the legacy `?key=` query parameter
// still works but is on its way out. Duplicate Authorization headers
// are rejected outright.
func Authenticate(r *http.Request, expectedKey string) error {
	if expectedKey == "" {
		return nil
	}

	if len(r.Header.Values("Authorization")) > 1 {
		return ErrAuthInvalid
	}

	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		token = auth[len(bearerPrefix):]
	} else if key := r.URL.Query().Get("key"); key != "" {
		token = key
		log.Infof("deprecated ?key= authentication used for %q from %s; switch to the Authorization header", r.URL.Path, r.RemoteAddr)
	}
	if token == "" {
		return ErrAuthMissing
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedKey)) != 1 {
		return ErrAuthInvalid
	}
	return nil
}
