package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
)

// TLSConfig holds the certificate the webhooks are served with.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	// Host is the public webhook host the carrier calls back on.
	Host string
}

// tlsConfig is the package-level TLS configuration, set by InitTLS.
var tlsConfig *TLSConfig

// InitTLS loads TLS configuration from TRIPS_TLS_CERT and TRIPS_TLS_KEY.
// Without both, the server speaks plain HTTP behind a terminating proxy.
// host is the webhook host from worker.yaml.
func InitTLS(host string) {
	certFile := os.Getenv("TRIPS_TLS_CERT")
	keyFile := os.Getenv("TRIPS_TLS_KEY")

	tlsConfig = nil
	if certFile != "" && keyFile != "" {
		tlsConfig = &TLSConfig{
			CertFile: certFile,
			KeyFile:  keyFile,
			Host:     host,
		}
	}
}

// IsTLSEnabled returns true if TLS is configured.
func IsTLSEnabled() bool {
	return tlsConfig != nil && tlsConfig.CertFile != "" && tlsConfig.KeyFile != ""
}

// LoadTLSConfig loads a tls.Config from the cert and key files.
// Returns nil and logs an error if loading fails. A certificate that does
// not name the webhook host is served anyway, with a warning: the carrier
// will refuse to deliver callbacks until it is replaced.
func LoadTLSConfig() *tls.Config {
	if !IsTLSEnabled() {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
	if err != nil {
		log.Printf("Failed to load TLS certificate: %v", err)
		return nil
	}
	if err := coversHost(cert, tlsConfig.Host); err != nil {
		log.Printf("WARNING: %v", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// coversHost checks the leaf certificate against the webhook host. An
// empty host is not checked.
func coversHost(cert tls.Certificate, host string) error {
	if host == "" || len(cert.Certificate) == 0 {
		return nil
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse TLS certificate: %w", err)
	}
	if err := leaf.VerifyHostname(host); err != nil {
		return fmt.Errorf("TLS certificate does not cover webhook host %s: %w", host, err)
	}
	return nil
}

// SetTLSConfigForTest allows tests to set TLS config directly.
func SetTLSConfigForTest(cfg *TLSConfig) {
	tlsConfig = cfg
}
