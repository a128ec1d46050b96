package provider

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultHeaderTimeout = 120 * time.Second

var sharedClients sync.Map // time.Duration -> *http.Client

// SharedHTTPClient returns a pooled HTTP client for streaming provider calls.
// Clients are shared per timeout. The timeout bounds the wait for response
// headers only; a streamed body may take as long as the provider needs and is
// bounded by the request context instead.
func SharedHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	if c, ok := sharedClients.Load(headerTimeout); ok {
		return c.(*http.Client)
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c, _ := sharedClients.LoadOrStore(headerTimeout, &http.Client{Transport: transport})
	return c.(*http.Client)
}
