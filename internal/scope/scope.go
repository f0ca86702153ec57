// internal/scope/scope.go
package scope

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-explorer/internal/config"
)

// Scope decides whether a URL may be visited.
type Scope interface {
	InScope(rawURL string) bool
}

// Policy is the default Scope. A URL is in scope when it is http(s), its host is one of
// the seed hosts (or, with subdomains enabled, shares a seed's registrable domain), it
// matches at least one include pattern when any are configured, and it matches no
// exclude pattern. A policy without seeds accepts every host.
type Policy struct {
	mu                sync.RWMutex
	hosts             map[string]struct{}
	roots             map[string]struct{}
	includeSubdomains bool
	include           []glob.Glob
	exclude           []glob.Glob
}

var _ Scope = (*Policy)(nil)

// New compiles the configured patterns and registers the configured hosts.
func New(cfg config.ScopeConfig) (*Policy, error) {
	p := &Policy{
		hosts:             make(map[string]struct{}),
		roots:             make(map[string]struct{}),
		includeSubdomains: cfg.IncludeSubdomains,
	}

	for _, pattern := range cfg.Include {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern '%s': %w", pattern, err)
		}
		p.include = append(p.include, g)
	}
	for _, pattern := range cfg.Exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
		}
		p.exclude = append(p.exclude, g)
	}

	for _, h := range cfg.Hosts {
		p.addHost(h)
	}
	return p, nil
}

// AddSeed registers the host of rawURL as in scope.
func (p *Policy) AddSeed(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid seed URL %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("seed URL must have a hostname: %s", rawURL)
	}
	p.addHost(u.Hostname())
	return nil
}

func (p *Policy) addHost(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hosts[host] = struct{}{}
	p.roots[registrableDomain(host)] = struct{}{}
}

// InScope implements Scope.
func (p *Policy) InScope(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !p.hostInScope(strings.ToLower(u.Hostname())) {
		return false
	}

	for _, g := range p.exclude {
		if g.Match(rawURL) {
			return false
		}
	}
	if len(p.include) == 0 {
		return true
	}
	for _, g := range p.include {
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

func (p *Policy) hostInScope(host string) bool {
	if host == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.hosts) == 0 {
		return true
	}
	if _, ok := p.hosts[host]; ok {
		return true
	}
	if !p.includeSubdomains {
		return false
	}
	// Require a dot boundary so "notexample.com" never matches "example.com".
	for root := range p.roots {
		if host == root || strings.HasSuffix(host, "."+root) {
			return true
		}
	}
	return false
}

// registrableDomain returns the eTLD+1 of host, or host itself for IPs, single-label
// hosts and public suffixes.
func registrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}
