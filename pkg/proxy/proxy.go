package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// Gateway forwards requests to the application whose traffic is recorded.
type Gateway struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

func New(targetURL string) (*Gateway, error) {
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}

	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("target %q must be an absolute url", targetURL)
	}

	p := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(parsedURL)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
			pr.Out.Header.Set("X-Webstat", "True")
		},
	}

	// Log upstream errors so network/DNS/TLS issues are visible.
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		upstreamErrors.Inc()
		log.Error().Err(err).Str("component", "proxy").Str("path", r.URL.Path).Msg("upstream error")
		http.Error(w, "upstream error", http.StatusBadGateway)
	}

	return &Gateway{
		target: parsedURL,
		proxy:  p,
	}, nil
}

// Target returns the upstream url.
func (g *Gateway) Target() *url.URL {
	return g.target
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	g.proxy.ServeHTTP(w, r)
	upstreamLatency.Observe(time.Since(start).Seconds())
}
