package adapters

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/dyadhq/dyad-gateway/internal/registry"
)

// localAdapter is the http-sdk wire protocol pointed at a model server the
// operator runs themselves (llama.cpp, vLLM, Ollama). The only difference
// from the remote shape is the host restriction: unless AllowRemote is set,
// the base URL must resolve to a loopback or private address so a mistyped
// config can't silently ship prompts off-box.
type localAdapter struct {
	*httpAdapter
}

func newLocalAdapter(providerID string, cfg registry.LocalConfig, hints registry.RateLimitHints) (*localAdapter, error) {
	if !cfg.AllowRemote {
		if err := requireLocalHost(cfg.BaseURL); err != nil {
			return nil, &AdapterError{Provider: providerID, Kind: ErrConfiguration, Message: err.Error()}
		}
	}
	inner, err := newHTTPAdapter(providerID, cfg.HTTPConfig, hints)
	if err != nil {
		return nil, err
	}
	return &localAdapter{httpAdapter: inner}, nil
}

func requireLocalHost(baseURL string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url %q: %v", baseURL, err)
	}
	host := u.Hostname()

	if strings.EqualFold(host, "localhost") {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("host %q is not a local address; set allowRemote to target it", host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return nil
	}
	return fmt.Errorf("host %q is not a loopback or private address; set allowRemote to target it", host)
}
