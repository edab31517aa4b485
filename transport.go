package authstate

import (
	"errors"
	"net/http"
)

// Transport is an http.RoundTripper that attaches the session's
// Authorization header. Requests are not sent when PrepareAPICall fails.
type Transport struct {
	// Session supplies the header. When nil, the session bound to the
	// request context with BindSession is used.
	Session *Session
	// Base is the underlying transport; http.DefaultTransport when nil.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	closeBody := func() {
		if req.Body != nil {
			_ = req.Body.Close()
		}
	}

	session := t.Session
	if session == nil {
		var ok bool
		if session, ok = SessionFromContext(req.Context()); !ok {
			closeBody()
			return nil, errors.New("authstate: no session for request")
		}
	}

	header, err := session.PrepareAPICall(req.Context())
	if err != nil {
		closeBody()
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Header.Set("Authorization", header)
	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// NewClient returns an HTTP client whose requests go through a Transport
// bound to s.
func NewClient(s *Session, base *http.Client) *http.Client {
	client := &http.Client{}
	if base != nil {
		*client = *base
	}
	client.Transport = &Transport{Session: s, Base: client.Transport}
	return client
}
