package conf

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// ALPN identifiers for the tunnel protocol.
var ALPNProtocols = []string{"mytunnel", "h3"}

type TLS struct {
	CertPath     string `toml:"cert_path"`
	KeyPath      string `toml:"key_path"`
	AutoGenerate bool   `toml:"auto_generate"`
}

func (t *TLS) setDefaults() {
	if t.CertPath == "" {
		t.CertPath = "cert.pem"
	}
	if t.KeyPath == "" {
		t.KeyPath = "key.pem"
	}
}

func (t *TLS) validate() []error {
	return nil
}

// ServerTLSConfig loads the certificate pair from disk, or self-signs one for
// development when auto_generate is set and the files are missing.
func (t *TLS) ServerTLSConfig() (*tls.Config, error) {
	cert, err := t.loadCertificate()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   ALPNProtocols,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func (t *TLS) loadCertificate() (tls.Certificate, error) {
	_, certErr := os.Stat(t.CertPath)
	_, keyErr := os.Stat(t.KeyPath)

	if certErr == nil && keyErr == nil {
		cert, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return cert, nil
	}

	if !t.AutoGenerate {
		return tls.Certificate{}, fmt.Errorf("TLS certificate not found at %s and auto_generate is disabled", t.CertPath)
	}

	return generateSelfSignedCert()
}

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}
