package depositclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("secret token missing or too short")

const redactKeep = 4

// endpoint keeps the secret next to the upstream address without ever
// rendering it in full through String/Redacted.
type endpoint struct {
	base     string
	token    string
	inHeader bool
}

func newEndpoint(base, token string, inHeader bool, minTokenLength int) (endpoint, error) {
	if len(strings.TrimSpace(token)) < minTokenLength {
		return endpoint{}, errors.Wrapf(ErrInvalidToken, "need at least %d characters", minTokenLength)
	}
	if _, err := url.Parse(base); err != nil {
		return endpoint{}, errors.Wrap(err, "invalid upstream url")
	}
	return endpoint{base: base, token: token, inHeader: inHeader}, nil
}

// URL is the dial target. Carries the secret unless it travels in a header.
func (e endpoint) URL() string {
	if e.inHeader {
		return e.base
	}
	return e.withToken(e.token)
}

func (e endpoint) Header() http.Header {
	header := http.Header{}
	if e.inHeader {
		header.Set("Authorization", "Bearer "+e.token)
	}
	return header
}

func (e endpoint) Redacted() string {
	if e.inHeader {
		return fmt.Sprintf("%s (bearer %s)", e.base, RedactToken(e.token))
	}
	return e.withToken(RedactToken(e.token))
}

func (e endpoint) String() string {
	return e.Redacted()
}

func (e endpoint) withToken(token string) string {
	u, err := url.Parse(e.base)
	if err != nil {
		return e.base
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// RedactToken keeps the first and last few characters of a secret
func RedactToken(token string) string {
	if len(token) <= redactKeep*2 {
		return strings.Repeat("*", len(token))
	}
	return token[:redactKeep] + "..." + token[len(token)-redactKeep:]
}
