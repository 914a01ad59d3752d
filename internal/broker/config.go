package broker

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/helpers"
	"github.com/temoto/fire-relay/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

type Config struct {
	// Listen urls, example: tcp://127.0.0.1:1883 unix:///run/fire-relay.sock tls://:8883
	Listen            []string `hcl:"listen"`
	Username          string   `hcl:"username"`
	Password          string   `hcl:"password"`
	NetworkTimeoutSec int      `hcl:"network_timeout_sec"`
	TlsCertFile       string   `hcl:"tls_cert_file"`
	TlsKeyFile        string   `hcl:"tls_key_file"`
	LogDebug          bool     `hcl:"log_debug"`
}

func (c *Config) Enabled() bool { return len(c.Listen) != 0 }

func (c *Config) Validate() error {
	for _, l := range c.Listen {
		if strings.HasPrefix(l, "tls://") && (c.TlsCertFile == "" || c.TlsKeyFile == "") {
			return errors.NotValidf("broker listen=%s requires tls_cert_file and tls_key_file", l)
		}
	}
	return nil
}

// Start embedded broker on all configured listen urls.
func Start(ctx context.Context, log *log2.Log, c Config) (*Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	blog := log.Clone(log2.LInfo)
	if c.LogDebug {
		blog.SetLevel(log2.LDebug)
	}
	opt := ServerOptions{Log: blog}
	if c.Username != "" {
		opt.OnAuth = authStatic(c.Username, c.Password)
	}
	var tlsconf *tls.Config
	if c.TlsCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TlsCertFile, c.TlsKeyFile)
		if err != nil {
			return nil, errors.Annotate(err, "broker TLS")
		}
		tlsconf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	timeout := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	lopts := make([]*BackendOptions, len(c.Listen))
	for i, l := range c.Listen {
		lopts[i] = &BackendOptions{URL: l, TLS: tlsconf, NetworkTimeout: timeout}
	}
	s := NewServer(opt)
	if err := s.Listen(ctx, lopts); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func authStatic(username, password string) AuthFunc {
	return func(ctx context.Context, opt *BackendOptions, pkt *packet.Connect) (bool, error) {
		userOk := subtle.ConstantTimeCompare([]byte(pkt.Username), []byte(username)) == 1
		passOk := subtle.ConstantTimeCompare([]byte(pkt.Password), []byte(password)) == 1
		return userOk && passOk, nil
	}
}
