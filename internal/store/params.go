package store

import (
	"fmt"
	"strings"
)

// Params are the connection parameters handed to Driver.Open.
// Endpoint is driver specific: "host:port/db" for network stores, a file path for sqlite.
type Params struct {
	User     string
	Password string
	Endpoint string
	Options  map[string]string
}

// ParseConnectString splits the "user/password@endpoint" form used by the
// nameserver style configuration files.
func ParseConnectString(s string) (Params, error) {
	s = strings.TrimSpace(s)
	sl := strings.IndexByte(s, '/')
	if sl == -1 {
		return Params{}, fmt.Errorf("invalid connection string %q: missing '/'", s)
	}
	at := strings.LastIndexByte(s, '@')
	if at == -1 || at < sl {
		return Params{}, fmt.Errorf("invalid connection string %q: missing '@'", s)
	}
	p := Params{User: s[:sl], Password: s[sl+1 : at], Endpoint: s[at+1:]}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Validate checks that the user and endpoint are present.
func (p Params) Validate() error {
	switch {
	case p.Endpoint == "":
		return fmt.Errorf("missing endpoint")
	case p.User == "" && p.Password != "":
		return fmt.Errorf("missing user name for %s", p.Endpoint)
	}
	return nil
}

// String renders the parameters with the password masked.
func (p Params) String() string {
	if p.User == "" {
		return p.Endpoint
	}
	return p.User + "/***@" + p.Endpoint
}
