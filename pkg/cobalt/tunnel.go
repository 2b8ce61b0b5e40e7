package cobalt

import (
	"net/url"
	"strconv"
	"time"
)

// Tunnel is a short-lived signed download URL issued by an instance.
type Tunnel struct {
	URL      string
	Filename string
	// Signature parts from the query string. Each may be empty.
	ID  string
	Exp string
	Sig string
	IV  string
	Sec string
	// Instance is the replica that issued the tunnel.
	Instance *Instance
}

// ParseTunnel extracts the signature parts of raw. Missing parts are left
// empty; only an unparsable URL is an error.
func ParseTunnel(raw string) (Tunnel, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Tunnel{}, err
	}
	q := u.Query()
	return Tunnel{
		URL: raw,
		ID:  q.Get("id"),
		Exp: q.Get("exp"),
		Sig: q.Get("sig"),
		IV:  q.Get("iv"),
		Sec: q.Get("sec"),
	}, nil
}

// ExpiresAt decodes Exp, which instances send in milliseconds (older ones in
// seconds). ok is false when Exp is absent or not a number.
func (t Tunnel) ExpiresAt() (at time.Time, ok bool) {
	n, err := strconv.ParseInt(t.Exp, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}

// Expired reports whether the tunnel is past its expiry at now. A tunnel
// without an expiry never reports expired. This is advisory; the instance
// is the authority.
func (t Tunnel) Expired(now time.Time) bool {
	at, ok := t.ExpiresAt()
	return ok && !now.Before(at)
}
