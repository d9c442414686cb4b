package docker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/moby/moby/client"
)

// remoteDialTimeout bounds connection attempts to remote daemons so an
// unreachable host fails fast instead of stalling a reconcile pass.
const remoteDialTimeout = 5 * time.Second

// Client wraps the Docker API client for a single host.
type Client struct {
	api    *client.Client
	hostID string
}

// TLSConfig holds paths to TLS certificates for connecting to a remote
// Docker daemon over mTLS.
type TLSConfig struct {
	CACert     string // path to CA certificate file
	ClientCert string // path to client certificate file
	ClientKey  string // path to client private key file
}

// loadTLS builds a mutual-TLS client config from the certificate files.
// ServerName is set by the caller with the parsed host.
func (t *TLSConfig) loadTLS() (*tls.Config, error) {
	return tlsconfig.Client(tlsconfig.Options{
		CAFile:   t.CACert,
		CertFile: t.ClientCert,
		KeyFile:  t.ClientKey,
	})
}

// NewLocalClient connects to the platform-default Docker socket.
func NewLocalClient(hostID string) (*Client, error) {
	api, err := client.New(client.WithHostFromEnv())
	if err != nil {
		return nil, fmt.Errorf("connect local docker: %w", err)
	}
	return &Client{api: api, hostID: hostID}, nil
}

// NewRemoteClient connects to a remote daemon at dockerHost
// (tcp://host:port) over mTLS with a short dial timeout.
func NewRemoteClient(hostID, dockerHost string, tlsCfg TLSConfig) (*Client, error) {
	if !strings.HasPrefix(dockerHost, "tcp://") {
		return nil, fmt.Errorf("remote docker host %q must be tcp://", dockerHost)
	}

	tlsConfig, err := tlsCfg.loadTLS()
	if err != nil {
		return nil, fmt.Errorf("configure docker TLS for %s: %w", hostID, err)
	}
	// Set ServerName for proper hostname verification.
	if u, parseErr := url.Parse(dockerHost); parseErr == nil {
		tlsConfig.ServerName = u.Hostname()
	}

	api, err := client.New(
		client.WithHost(dockerHost),
		client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: remoteDialTimeout,
				}).DialContext,
				TLSClientConfig:       tlsConfig,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   remoteDialTimeout,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect remote docker %s: %w", hostID, err)
	}

	return &Client{api: api, hostID: hostID}, nil
}

// HostID returns the host this client is bound to.
func (c *Client) HostID() string {
	return c.hostID
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
