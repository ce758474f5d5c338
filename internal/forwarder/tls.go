package forwarder

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyFunc picks the proxy for a request, as http.Transport.Proxy does.
type ProxyFunc func(*http.Request) (*url.URL, error)

// newTransport returns an HTTP transport owned by a single forwarder. When
// ignoreSSLErrors is set, certificate verification is skipped only for
// connections to the endpoint's own host:port; every other address keeps full
// verification. HTTPS requests then tunnel through the proxy from the dialer
// so the same rule applies behind HTTPS_PROXY.
func newTransport(endpoint *url.URL, ignoreSSLErrors bool, proxy ProxyFunc) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = proxy
	if !ignoreSSLErrors {
		return t
	}

	d := &scopedTLSDialer{
		trusted: authority(endpoint),
		proxy:   proxy,
		netDialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
	t.DialTLSContext = d.DialContext
	t.Proxy = plainHTTPOnly(proxy)
	return t
}

// plainHTTPOnly keeps proxying for http URLs; https ones are tunnelled by the dialer.
func plainHTTPOnly(proxy ProxyFunc) ProxyFunc {
	if proxy == nil {
		return nil
	}
	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme != "http" {
			return nil, nil
		}
		return proxy(req)
	}
}

type scopedTLSDialer struct {
	trusted   string
	proxy     ProxyFunc
	netDialer *net.Dialer
}

func (d *scopedTLSDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	conn, err := d.dialRaw(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}
	if strings.EqualFold(addr, d.trusted) {
		// #nosec G402 -- explicitly requested for the configured collector only
		cfg.InsecureSkipVerify = true
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (d *scopedTLSDialer) dialRaw(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxy == nil {
		return d.netDialer.DialContext(ctx, network, addr)
	}

	proxyURL, err := d.proxy(&http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Scheme: "https", Host: addr},
		Header: make(http.Header),
	})
	if err != nil {
		return nil, fmt.Errorf("proxy lookup for %s: %w", addr, err)
	}
	if proxyURL == nil {
		return d.netDialer.DialContext(ctx, network, addr)
	}

	return d.dialTunnel(ctx, proxyURL, addr)
}

// dialTunnel opens a CONNECT tunnel to addr through an http:// proxy.
func (d *scopedTLSDialer) dialTunnel(ctx context.Context, proxyURL *url.URL, addr string) (net.Conn, error) {
	if proxyURL.Scheme != "http" {
		return nil, fmt.Errorf("unsupported proxy scheme %q with ignore_ssl_errors", proxyURL.Scheme)
	}

	conn, err := d.netDialer.DialContext(ctx, "tcp", authority(proxyURL))
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := proxyURL.User; u != nil {
		pass, _ := u.Password()
		req.Header.Set("Proxy-Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(u.Username()+":"+pass)))
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %w", addr, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %w", addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT %s: %s", addr, resp.Status)
	}

	return conn, nil
}

// authority returns host:port for u, filling in the scheme's default port.
func authority(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
