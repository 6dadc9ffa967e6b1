package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"vhost-proxy-go/internal/config"
)

// newTLSConfig builds the client TLS settings for the upstream leg.
// SNI and certificate verification use ServerName, which defaults to the
// virtual host so name-routed backends reached by IP still see the right name.
func newTLSConfig(u *config.UpstreamConfig) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         u.ServerName,
		InsecureSkipVerify: u.InsecureSkipVerify, //nolint:gosec // opt-in, trusted networks only
	}

	if u.CAFile == "" {
		return tc, nil
	}

	pem, err := os.ReadFile(u.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read upstream ca_file %s: %w", u.CAFile, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("upstream ca_file %s: no PEM certificates found", u.CAFile)
	}
	tc.RootCAs = pool

	return tc, nil
}
