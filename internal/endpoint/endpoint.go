// Package endpoint parses and renders the sopmq:// endpoint URI grammar
// from spec §6.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
)

// DefaultPort is the protocol-version-default port for sopmq:// v1.
const DefaultPort = 7840

// Scheme is the only endpoint scheme this protocol version accepts.
const Scheme = "sopmq"

// ErrInvalidProtocol is raised when the URI scheme isn't "sopmq".
var ErrInvalidProtocol = errors.New("endpoint: invalid_protocol_error")

// ErrURIParse is raised when the URI cannot be parsed at all.
var ErrURIParse = errors.New("endpoint: uri_parse_error")

// Endpoint is a parsed sopmq:// address.
type Endpoint struct {
	Host string
	Port int
}

// String renders the endpoint back to sopmq://host:port.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", Scheme, e.Host, e.Port)
}

// Parse parses a "sopmq://host[:port]" URI, defaulting the port to
// DefaultPort when omitted.
func Parse(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrURIParse, err)
	}
	if u.Scheme != Scheme {
		return Endpoint{}, fmt.Errorf("%w: scheme %q", ErrInvalidProtocol, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host", ErrURIParse)
	}

	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: missing host", ErrURIParse)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrURIParse, p)
		}
	}

	return Endpoint{Host: host, Port: port}, nil
}
