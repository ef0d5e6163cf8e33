// Package afdauth produces Authorization header values for Basic, Digest
// (MD5/SHA-256/SHA-512-256, including -sess variants and qop=auth/auth-int),
// and AWS SigV4 requests.
package afdauth

import (
	"encoding/base64"
	"errors"
)

// ErrAuthRequired is returned when credentials were never supplied.
var ErrAuthRequired = errors.New("afdauth: credentials required")

// Basic builds the value of a Basic Authorization header. The command layer
// calls it again for every request rather than caching the result.
func Basic(user, pass string) (string, error) {
	if user == "" {
		return "", ErrAuthRequired
	}
	raw := user + ":" + pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw)), nil
}
