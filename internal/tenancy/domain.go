// Package tenancy implements tenant resolution and the request-scoped
// tenancy context.
package tenancy

import (
	"net/url"
	"strings"

	"github.com/angelitosystems/tenancy/internal/config"
)

// DomainResolver converts the configured base domain, request hosts and
// tenant domain/subdomain fields into canonical full-domain strings.
// It is pure: all inputs come from configuration at construction time.
type DomainResolver struct {
	cfg config.Resolver
}

// NewDomainResolver creates a DomainResolver from resolver configuration.
func NewDomainResolver(cfg config.Resolver) *DomainResolver {
	return &DomainResolver{cfg: cfg}
}

// CanonicalBaseDomain returns the explicitly configured base domain, or
// empty when none is configured. Unlike BaseDomain it never derives one.
func (r *DomainResolver) CanonicalBaseDomain() string {
	return r.cfg.BaseDomain
}

// BaseDomain returns the base domain used to build tenant subdomain URLs.
// Precedence: configured base domain, then the app URL host with its
// leading label stripped, then a base derived from the central-domain
// list, then "localhost".
func (r *DomainResolver) BaseDomain() string {
	if r.cfg.BaseDomain != "" {
		return r.cfg.BaseDomain
	}
	if base := r.baseFromAppURL(); base != "" {
		return base
	}
	if base := r.baseFromCentralDomains(); base != "" {
		return base
	}
	return "localhost"
}

// FullDomain builds the routable domain for a tenant. A full domain wins;
// otherwise the subdomain is joined to the base domain. Both absent
// yields "".
func (r *DomainResolver) FullDomain(domain, subdomain string) string {
	if domain != "" {
		return domain
	}
	if subdomain != "" {
		return subdomain + "." + r.BaseDomain()
	}
	return ""
}

// URL builds an absolute http URL for a tenant domain and path.
func (r *DomainResolver) URL(domain, subdomain, path string) string {
	full := r.FullDomain(domain, subdomain)
	if full == "" {
		return ""
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "https://" + full + path
}

// IsCentral reports whether the host is a central domain: the configured
// base domain (always central) or any entry of the central-domain list.
func (r *DomainResolver) IsCentral(host string) bool {
	if r.cfg.BaseDomain != "" && host == r.cfg.BaseDomain {
		return true
	}
	for _, d := range r.cfg.CentralDomains {
		if host == d {
			return true
		}
	}
	return false
}

func (r *DomainResolver) baseFromAppURL() string {
	if r.cfg.AppURL == "" {
		return ""
	}
	u, err := url.Parse(r.cfg.AppURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := u.Hostname()
	if isLocalHost(host) || u.Port() != "" {
		return ""
	}
	return stripSubdomain(host)
}

func (r *DomainResolver) baseFromCentralDomains() string {
	for _, d := range r.cfg.CentralDomains {
		if isLocalHost(d) {
			continue
		}
		if base := stripSubdomain(d); base != d {
			return base
		}
		if strings.Count(d, ".") == 1 {
			return d
		}
	}
	return ""
}

// stripSubdomain removes the leading label from hosts with three or more
// labels: "app.dental.test" -> "dental.test". Two-label hosts pass through.
func stripSubdomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) > 2 {
		return strings.Join(parts[1:], ".")
	}
	return host
}

func isLocalHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
