// Package httpclient builds the outbound HTTP client used to call generation
// backends. It bounds redirects, restricts schemes, and can refuse to dial
// private or loopback addresses when the backend URL comes from an
// untrusted source.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/genq/errors"
)

// DefaultMaxRedirects is used when Options.MaxRedirects is zero.
const DefaultMaxRedirects = 10

// ErrBlocked is returned for requests refused by the client's policy.
var ErrBlocked = errors.Wrap(errors.ErrForbidden, "outbound request blocked")

// Options configures New.
type Options struct {
	// Timeout bounds each request. Zero leaves only the request context.
	Timeout time.Duration
	// MaxRedirects caps redirects followed; zero means DefaultMaxRedirects.
	MaxRedirects int
	// BlockPrivateIP refuses loopback, RFC 1918, link-local and other
	// non-public destinations, checked again after DNS resolution.
	BlockPrivateIP bool
}

// Client is an http.Client that validates every request and redirect.
type Client struct {
	*http.Client
	opts Options
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	c := &Client{
		Client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", c.opts.MaxRedirects)
		}
		if err := c.Check(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	if opts.BlockPrivateIP {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		c.Transport = &http.Transport{
			DialContext:           guardedDial(dialer),
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}
	return c
}

// guardedDial resolves the host itself so DNS answers pointing at private
// space are refused before connecting.
func guardedDial(dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid address")
		}
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve host %q", host)
		}
		for _, ip := range addrs {
			if IsPrivate(ip) {
				return nil, errors.Wrapf(ErrBlocked, "private address %s", ip)
			}
		}
		if len(addrs) == 0 {
			return nil, errors.Newf("no addresses for host %q", host)
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
	}
}

// Check validates u against the client's policy without sending anything.
func (c *Client) Check(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Wrapf(ErrBlocked, "scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.Wrap(ErrBlocked, "URL carries credentials")
	}

	host := u.Hostname()
	if host == "" {
		return errors.New("URL missing hostname")
	}
	if !c.opts.BlockPrivateIP {
		return nil
	}
	if isLocalhost(host) {
		return errors.Wrap(ErrBlocked, "localhost")
	}
	if ip, err := netip.ParseAddr(host); err == nil && IsPrivate(ip) {
		return errors.Wrapf(ErrBlocked, "private address %s", host)
	}
	return nil
}

// CheckString parses and validates rawURL.
func (c *Client) CheckString(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	return u, c.Check(u)
}

// Do validates req.URL, then sends it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.Check(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}

// nonPublic lists IPv4 and IPv6 ranges that are never a public backend.
var nonPublic = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsPrivate reports whether ip is loopback, private, link-local, multicast
// or otherwise not publicly routable. IPv4-mapped IPv6 is checked as IPv4.
func IsPrivate(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range nonPublic {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func isLocalhost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == "localhost" ||
		host == "localhost.localdomain" ||
		strings.HasSuffix(host, ".localhost")
}
