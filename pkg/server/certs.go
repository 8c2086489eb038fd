package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// TLSResult holds the TLS config and optional autocert manager.
type TLSResult struct {
	Config      *tls.Config
	AutocertMgr *autocert.Manager // Non-nil when using Let's Encrypt
}

// SetupTLS returns a TLSResult using one of three strategies:
//  1. Let's Encrypt (autocert) when a domain is configured
//  2. Provided cert/key files
//  3. Self-signed cert (generated to CertDir on first run)
func SetupTLS(cfg TLSConfig, log *zap.Logger) (*TLSResult, error) {
	if cfg.Domain != "" {
		log.Info("tls: using Let's Encrypt", zap.String("domain", cfg.Domain))
		cacheDir := filepath.Join(cfg.CertDir, "autocert-cache")
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			return nil, fmt.Errorf("creating autocert cache dir: %w", err)
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domain),
			Cache:      autocert.DirCache(cacheDir),
			Email:      cfg.Email,
		}
		return &TLSResult{Config: m.TLSConfig(), AutocertMgr: m}, nil
	}

	if cfg.Cert != "" && cfg.Key != "" {
		log.Info("tls: loading certificate", zap.String("cert", cfg.Cert), zap.String("key", cfg.Key))
		cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("loading TLS cert: %w", err)
		}
		return &TLSResult{Config: &tls.Config{Certificates: []tls.Certificate{cert}}}, nil
	}

	if !cfg.SelfSigned {
		return nil, errors.New("tls: not configured")
	}
	tc, err := selfSigned(cfg.CertDir, log)
	if err != nil {
		return nil, err
	}
	return &TLSResult{Config: tc}, nil
}

// selfSigned loads the self-signed pair from certDir, generating it first
// if it does not exist yet.
func selfSigned(certDir string, log *zap.Logger) (*tls.Config, error) {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return nil, fmt.Errorf("creating cert dir: %w", err)
	}

	certPath := filepath.Join(certDir, "self-signed.crt")
	keyPath := filepath.Join(certDir, "self-signed.key")

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr != nil || keyErr != nil {
		if err := writeSelfSigned(certPath, keyPath); err != nil {
			return nil, err
		}
		log.Info("tls: self-signed cert written", zap.String("dir", certDir))
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading self-signed cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func writeSelfSigned(certPath, keyPath string) error {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Tworld"},
			CommonName:   "localhost",
		},
		NotBefore:             now,
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}

	if err := writePEM(certPath, 0644, "CERTIFICATE", certDER); err != nil {
		return err
	}
	return writePEM(keyPath, 0600, "EC PRIVATE KEY", keyDER)
}

func writePEM(path string, mode os.FileMode, kind string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: kind, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
