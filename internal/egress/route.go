// Package egress tracks outbound network paths (direct or via proxy) and
// hands out the next one to use based on observed health.
package egress

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Route identifies one egress path. The zero value is the direct-connection
// sentinel: no proxy, no health bookkeeping.
type Route struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

// Direct is the no-proxy sentinel returned when the pool has no routes.
var Direct = Route{}

// IsDirect reports whether the route is the direct-connection sentinel.
func (r Route) IsDirect() bool { return r.Host == "" }

// Key returns the stable identity used for health bookkeeping.
func (r Route) Key() string {
	if r.IsDirect() {
		return "direct"
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ProxyURL renders the route as an http proxy URL, or nil for direct.
func (r Route) ProxyURL() *url.URL {
	if r.IsDirect() {
		return nil
	}
	u := &url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", r.Host, r.Port),
	}
	if r.User != "" {
		u.User = url.UserPassword(r.User, r.Password)
	}
	return u
}

// ParseRoute accepts "host:port", "host:port:user:pass", and
// "user:pass@host:port", with an optional http(s):// prefix.
func ParseRoute(s string) (Route, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "https://")
	if s == "" {
		return Route{}, fmt.Errorf("empty route")
	}

	var host, portStr, user, pass string
	switch {
	case strings.Contains(s, "@"):
		auth, hostport, _ := strings.Cut(s, "@")
		user, pass, _ = strings.Cut(auth, ":")
		host, portStr, _ = strings.Cut(hostport, ":")
	case strings.Count(s, ":") >= 3:
		parts := strings.SplitN(s, ":", 4)
		host, portStr, user, pass = parts[0], parts[1], parts[2], parts[3]
	default:
		host, portStr, _ = strings.Cut(s, ":")
	}

	if host == "" || portStr == "" {
		return Route{}, fmt.Errorf("route %q: missing host or port", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Route{}, fmt.Errorf("route %q: bad port %q", s, portStr)
	}
	return Route{Host: host, Port: port, User: user, Password: pass}, nil
}

// ParseRouteList splits a comma-separated route list, skipping blanks.
// It returns the parsed routes and any per-entry parse errors.
func ParseRouteList(s string) ([]Route, []error) {
	var routes []Route
	var errs []error
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		route, err := ParseRoute(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		routes = append(routes, route)
	}
	return routes, errs
}
