package http

import (
	"crypto/tls"
	"net/http"
	"time"
)

const (
	StatusOK = http.StatusOK

	// ContentTypeExposition is the content type of the Prometheus text
	// exposition format.
	ContentTypeExposition = "text/plain; version=0.0.4; charset=utf-8"
	// ContentTypeJSON is the content type of the bridge's JSON view.
	ContentTypeJSON = "application/json"
)

// Client is a thin HTTP client used for fetching remote expositions.
type Client struct {
	client *http.Client
	Config ClientConfig
}

// ClientConfig defines HTTP client configuration.
type ClientConfig struct {
	Timeout time.Duration
}

// NewClient creates a new client with the passed config.
func NewClient(cfg ClientConfig) *Client {
	const defaultTimeout = 10 * time.Second

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		client: &http.Client{Timeout: cfg.Timeout},
		Config: cfg,
	}
}

// EnableTLSInsecure disables certificates validation.
func (cl *Client) EnableTLSInsecure() {
	if cl.client.Transport != nil {
		return
	}

	cl.client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} // #nosec G402
}

// Get sends a GET request to the passed URL.
func (cl *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	return cl.client.Do(req)
}
