package transport

import "net/http"

// Credential decorates an outgoing request. Its content is opaque to the
// client.
type Credential interface {
	Apply(req *http.Request)
}

// BearerToken sends an API key in the Authorization header
type BearerToken string

// Apply implements Credential
func (t BearerToken) Apply(req *http.Request) {
	if t != "" {
		req.Header.Set("Authorization", "Bearer "+string(t))
	}
}

// BasicAuth sends HTTP basic credentials
type BasicAuth struct {
	Username string
	Password string
}

// Apply implements Credential
func (b BasicAuth) Apply(req *http.Request) {
	req.SetBasicAuth(b.Username, b.Password)
}

// Cookie sends a session cookie
type Cookie http.Cookie

// Apply implements Credential
func (c Cookie) Apply(req *http.Request) {
	cookie := http.Cookie(c)
	req.AddCookie(&cookie)
}
