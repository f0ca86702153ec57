package schemas

import (
	"net/http"
	"time"
)

// -- Browser Cookie Schemas --

// CookieSameSite defines the SameSite attribute for cookies.
type CookieSameSite string

const (
	CookieSameSiteStrict CookieSameSite = "Strict"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteNone   CookieSameSite = "None"
)

// Cookie represents a browser cookie.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain"`
	Path     string         `json:"path"`
	Expires  float64        `json:"expires"`
	Size     int64          `json:"size"`
	HTTPOnly bool           `json:"httpOnly"`
	Secure   bool           `json:"secure"`
	Session  bool           `json:"session"`
	SameSite CookieSameSite `json:"sameSite,omitempty"`
}

// CookieFromHTTP converts a net/http cookie. An empty domain is left empty so the
// caller can scope it to the request host.
func CookieFromHTTP(c *http.Cookie) *Cookie {
	out := &Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
		Session:  c.Expires.IsZero() && c.MaxAge == 0,
	}
	if !c.Expires.IsZero() {
		out.Expires = float64(c.Expires.Unix())
	}
	switch c.SameSite {
	case http.SameSiteStrictMode:
		out.SameSite = CookieSameSiteStrict
	case http.SameSiteLaxMode:
		out.SameSite = CookieSameSiteLax
	case http.SameSiteNoneMode:
		out.SameSite = CookieSameSiteNone
	}
	return out
}

// HTTP converts the cookie for use with net/http.
func (c *Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if !c.Session && c.Expires > 0 {
		hc.Expires = time.Unix(int64(c.Expires), 0)
	}
	switch c.SameSite {
	case CookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case CookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case CookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}

// Expired reports whether a persistent cookie's expiry lies before now.
func (c *Cookie) Expired(now time.Time) bool {
	return !c.Session && c.Expires > 0 && int64(c.Expires) < now.Unix()
}

// -- Browser Viewport Schemas --

// Viewport is the window geometry a browser worker is started with.
type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// DefaultViewport matches the geometry most applications are designed around.
var DefaultViewport = Viewport{Width: 1600, Height: 1200}
