// Package security issues the private CA and server certificates that secure
// the ingestion gateway, and builds the TLS settings agents use to trust them.
package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultCAValidDays is the default CA certificate validity (10 years).
	DefaultCAValidDays = 3650
	// DefaultCertValidDays is the default server certificate validity (1 year).
	DefaultCertValidDays = 365

	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// Files names the PEM files written for one certificate.
type Files struct {
	Cert string
	Key  string
}

// GenerateCA creates a self-signed CA and writes ca.crt and ca.key to dir.
// An existing CA is never overwritten.
func GenerateCA(dir string, validDays int) (Files, error) {
	if validDays <= 0 {
		validDays = DefaultCAValidDays
	}
	files := Files{Cert: filepath.Join(dir, caCertFile), Key: filepath.Join(dir, caKeyFile)}
	if _, err := os.Stat(files.Key); err == nil {
		return files, fmt.Errorf("CA already exists in %s", dir)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return files, fmt.Errorf("generate private key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return files, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"mailwatch"},
			CommonName:   "mailwatch CA",
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(0, 0, validDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return files, fmt.Errorf("create certificate: %w", err)
	}
	return files, writePair(files, der, key)
}

// LoadCA reads the CA certificate and key from dir.
func LoadCA(dir string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("invalid CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read CA private key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, nil, fmt.Errorf("invalid CA private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("CA private key cannot sign")
	}
	return cert, signer, nil
}

// GenerateServerCert issues a gateway certificate signed by the CA in caDir
// and writes <name>.crt and <name>.key to outDir. hosts become the SANs;
// localhost is always included.
func GenerateServerCert(caDir, name, outDir string, validDays int, hosts []string) (Files, error) {
	if validDays <= 0 {
		validDays = DefaultCertValidDays
	}
	files := Files{Cert: filepath.Join(outDir, name+".crt"), Key: filepath.Join(outDir, name+".key")}

	caCert, caKey, err := LoadCA(caDir)
	if err != nil {
		return files, fmt.Errorf("load CA: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return files, fmt.Errorf("generate private key: %w", err)
	}
	serial, err := newSerial()
	if err != nil {
		return files, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"mailwatch"},
			CommonName:   name,
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    now.AddDate(0, 0, validDays),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	seen := make(map[string]bool)
	for _, h := range append(hosts, "localhost", "127.0.0.1", "::1") {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return files, fmt.Errorf("create certificate: %w", err)
	}
	return files, writePair(files, der, key)
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}

// writePair writes the certificate world-readable and the key owner-only.
func writePair(files Files, certDER []byte, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(files.Cert), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := writePEM(files.Cert, "CERTIFICATE", certDER, 0644); err != nil {
		return err
	}
	return writePEM(files.Key, "PRIVATE KEY", keyDER, 0600)
}

func writePEM(path, typ string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
