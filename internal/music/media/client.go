// Package media resolves YouTube videos into metadata and playable PCM audio.
package media

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	_ "github.com/bdandy/go-socks4"
	youtube "github.com/kkdai/youtube/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

const requestTimeout = 15 * time.Second

// Client wraps the kkdai YouTube client. The zero value is not usable, use
// NewClient.
type Client struct {
	yt  *youtube.Client
	log zerolog.Logger

	// ffmpeg binary, overridable in tests.
	ffmpeg string
}

// NewClient builds a client, routing requests through proxyStr when set.
// Supported schemes are http, https, socks4 and socks5. An invalid proxy is
// logged and ignored.
func NewClient(proxyStr string, log zerolog.Logger) *Client {
	c := &Client{
		log:    log,
		ffmpeg: "ffmpeg",
	}

	transport, err := proxyTransport(proxyStr)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("youtube proxy unusable, going direct")
	case transport != nil:
		log.Info().Str("scheme", mustScheme(proxyStr)).Msg("youtube requests go through proxy")
	}

	httpClient := &http.Client{Timeout: requestTimeout}
	if transport != nil {
		httpClient.Transport = transport
	}
	c.yt = &youtube.Client{HTTPClient: httpClient}
	return c
}

// proxyTransport returns nil, nil when no proxy is configured.
func proxyTransport(proxyStr string) (*http.Transport, error) {
	if proxyStr == "" {
		return nil, nil
	}

	proxyURL, err := url.Parse(proxyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxyStr, err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}, nil

	case "socks5":
		auth := &proxy.Auth{}
		if proxyURL.User != nil {
			auth.User = proxyURL.User.Username()
			if pass, ok := proxyURL.User.Password(); ok {
				auth.Password = pass
			}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		return dialerTransport(dialer), nil

	case "socks4":
		// go-socks4 registers the scheme with proxy.FromURL.
		dialer, err := proxy.FromURL(proxyURL, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("socks4 dialer: %w", err)
		}
		return dialerTransport(dialer), nil

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
}

func dialerTransport(d proxy.Dialer) *http.Transport {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return &http.Transport{DialContext: cd.DialContext}
	}
	return &http.Transport{
		DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		},
	}
}

func mustScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme
}
