package peer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"
)

const selfSignedValidity = 30 * 24 * time.Hour // 30 jours

// ServerTLS charge le certificat depuis certFile/keyFile, ou en génère un
// auto-signé si aucun fichier n'est donné.
func ServerTLS(certFile, keyFile string, logger *slog.Logger) (*tls.Config, error) {
	if logger == nil {
		logger = slog.Default().With("component", "peer_tls")
	}
	if certFile != "" && keyFile != "" {
		logger.Info("Loading TLS certificate from files", "cert_file", certFile, "key_file", keyFile)
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{ALPN}}, nil
	}
	if certFile != "" || keyFile != "" {
		return nil, errors.New("both TLS cert and key files are required")
	}
	logger.Warn("No TLS cert/key files provided, generating self-signed certificate (INSECURE)")
	return SelfSignedTLS()
}

// SelfSignedTLS génère un certificat éphémère valable pour localhost.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"rendersync-self"}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(selfSignedValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: leaf}},
		NextProtos:   []string{ALPN},
	}, nil
}

// PublicKey retourne la clé publique (DER SubjectPublicKeyInfo) du premier
// certificat de conf, à épingler côté numérotation.
func PublicKey(conf *tls.Config) ([]byte, error) {
	if conf == nil || len(conf.Certificates) == 0 || len(conf.Certificates[0].Certificate) == 0 {
		return nil, errors.New("tls config carries no certificate")
	}
	cert, err := x509.ParseCertificate(conf.Certificates[0].Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert.RawSubjectPublicKeyInfo, nil
}

// ParsePublicKey décode une clé épinglée passée en hexadécimal (CLI, JSON).
func ParsePublicKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key is not hex: %w", err)
	}
	if _, err := x509.ParsePKIXPublicKey(b); err != nil {
		return nil, fmt.Errorf("public key is not a DER SubjectPublicKeyInfo: %w", err)
	}
	return b, nil
}

// InsecureClientTLS accepte n'importe quel certificat. À réserver aux
// pairs sans clé épinglée sur un réseau de confiance.
func InsecureClientTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}}
}
