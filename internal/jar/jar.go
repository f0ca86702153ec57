// Package jar holds the cookie jar shared by every browser of a cluster.
package jar

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-explorer/api/schemas"
)

type key struct {
	name   string
	domain string
	path   string
}

// Jar stores cookies keyed by (name, domain, path); the last write for a key wins.
// Domains with a leading dot cover subdomains, others are host-only, matching the
// convention browsers report through CDP. It also satisfies http.CookieJar so an HTTP
// client can share the browsers' session.
type Jar struct {
	mu      sync.RWMutex
	cookies map[key]*schemas.Cookie
	now     func() time.Time
}

var _ http.CookieJar = (*Jar)(nil)

func New() *Jar {
	return &Jar{
		cookies: make(map[key]*schemas.Cookie),
		now:     time.Now,
	}
}

// Update merges cookies into the jar. Expired cookies delete their key; cookies scoped
// to a public suffix are ignored.
func (j *Jar) Update(cookies ...*schemas.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		cp := *c
		cp.Domain = strings.ToLower(cp.Domain)
		if cp.Path == "" {
			cp.Path = "/"
		}
		if cp.Domain == "" || isPublicSuffix(strings.TrimPrefix(cp.Domain, ".")) {
			continue
		}

		k := key{name: cp.Name, domain: cp.Domain, path: cp.Path}
		if cp.Expired(now) {
			delete(j.cookies, k)
			continue
		}
		j.cookies[k] = &cp
	}
}

// SetValues stores name/value pairs as host-only session cookies for the host of rawURL.
func (j *Jar) SetValues(rawURL string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid cookie URL %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("cookie URL must have a hostname: %s", rawURL)
	}

	cookies := make([]*schemas.Cookie, 0, len(values))
	for name, value := range values {
		cookies = append(cookies, &schemas.Cookie{
			Name:    name,
			Value:   value,
			Domain:  strings.ToLower(u.Hostname()),
			Path:    "/",
			Session: true,
			Secure:  false,
		})
	}
	j.Update(cookies...)
	return nil
}

// ForURL returns the cookies that a request to rawURL would carry, most specific path first.
func (j *Jar) ForURL(rawURL string) []*schemas.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	secure := u.Scheme == "https"

	j.mu.RLock()
	defer j.mu.RUnlock()

	now := j.now()
	var out []*schemas.Cookie
	for _, c := range j.cookies {
		if c.Expired(now) || (c.Secure && !secure) {
			continue
		}
		if !domainMatch(host, c.Domain) || !pathMatch(path, c.Path) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		if len(out[a].Path) != len(out[b].Path) {
			return len(out[a].Path) > len(out[b].Path)
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// All returns a copy of every live cookie, ordered by domain, path and name.
func (j *Jar) All() []*schemas.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()

	now := j.now()
	out := make([]*schemas.Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		if c.Expired(now) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Name < out[b].Name
	})
	return out
}

func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.cookies)
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	host := strings.ToLower(u.Hostname())
	converted := make([]*schemas.Cookie, 0, len(cookies))
	for _, hc := range cookies {
		c := schemas.CookieFromHTTP(hc)
		if c.Domain == "" {
			c.Domain = host
		} else {
			d := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
			// A response may only set cookies for its own domain or a parent of it.
			if !domainMatch(host, "."+d) {
				continue
			}
			c.Domain = "." + d
		}
		if hc.MaxAge < 0 {
			c.Session = false
			c.Expires = 1
		} else if hc.MaxAge > 0 {
			c.Session = false
			c.Expires = float64(j.now().Add(time.Duration(hc.MaxAge) * time.Second).Unix())
		}
		converted = append(converted, c)
	}
	j.Update(converted...)
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	matching := j.ForURL(u.String())
	out := make([]*http.Cookie, 0, len(matching))
	for _, c := range matching {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

func domainMatch(host, domain string) bool {
	if strings.HasPrefix(domain, ".") {
		bare := domain[1:]
		return host == bare || strings.HasSuffix(host, domain)
	}
	return host == domain
}

func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}

// isPublicSuffix reports whether domain is an ICANN public suffix such as "com" or "co.uk".
func isPublicSuffix(domain string) bool {
	suffix, icann := publicsuffix.PublicSuffix(domain)
	return icann && suffix == domain
}
