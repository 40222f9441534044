package httputil

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"time"

	"edge_finder/config"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

type Clients struct {
	Fetch *http.Client // proxied when configured, for target listing pages
	API   *http.Client // direct, for search and classification providers
}

func NewClients(proxyCfg *config.ProxyConfig, fetchTimeout time.Duration) *Clients {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
		MaxIdleConns:      50,
		IdleConnTimeout:   90 * time.Second,
	}
	if proxyCfg != nil && proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	fetch := &http.Client{
		Timeout:   fetchTimeout,
		Transport: &uaTransport{base: transport},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return nil
		},
	}

	return &Clients{
		Fetch: fetch,
		API:   &http.Client{Timeout: 30 * time.Second},
	}
}

// uaTransport sets a browser user agent on requests that carry none.
type uaTransport struct {
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.base.RoundTrip(req)
}
