package transport

import "net/http"

// Identity decorates outbound requests with whatever the remote service uses
// to attribute them to a caller.
type Identity interface {
	Apply(req *http.Request)
}

// NoIdentity leaves requests untouched.
type NoIdentity struct{}

// Apply implements Identity.
func (NoIdentity) Apply(*http.Request) {}

// APIKeyIdentity authenticates with an API key using HTTP basic auth and the
// fixed user name "api", as the Tinify API expects.
type APIKeyIdentity struct {
	Key string
}

// Apply implements Identity.
func (a APIKeyIdentity) Apply(req *http.Request) {
	if a.Key == "" {
		return
	}
	req.SetBasicAuth("api", a.Key)
}

// IdentityFor returns the identity matching the configured API key.
func IdentityFor(apiKey string) Identity {
	if apiKey == "" {
		return NoIdentity{}
	}
	return APIKeyIdentity{Key: apiKey}
}
