package frontdoor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCert writes a self-signed certificate for localhost into dir.
func writeTestCert(t *testing.T, dir, cn string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}), 0o600))
	return
}

func leafCN(t *testing.T, cr *CertReloader) string {
	cert, err := cr.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.Subject.CommonName
}

func Test_CertReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "one")
	cr, err := NewCertReloader(certFile, keyFile, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, cr.Reloads())
	assert.Equal(t, "one", leafCN(t, cr))
	assert.Equal(t, uint16(tls.VersionTLS12), cr.TLSConfig().MinVersion)

	writeTestCert(t, dir, "two")
	require.NoError(t, cr.Reload())
	assert.Equal(t, "two", leafCN(t, cr))

	// a broken pair keeps the previous certificate
	require.NoError(t, os.WriteFile(keyFile, []byte("garbage"), 0o600))
	assert.Error(t, cr.Reload())
	assert.Equal(t, "two", leafCN(t, cr))
	assert.Equal(t, 2, cr.Reloads())
}

func Test_NewCertReloader_missing(t *testing.T) {
	_, err := NewCertReloader("/nonexistent/cert.pem", "/nonexistent/key.pem", zerolog.Nop())
	assert.Error(t, err)
}

func Test_CertReloader_Watch(t *testing.T) {
	defer leaktest.Check(t)()
	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "one")
	cr, err := NewCertReloader(certFile, keyFile, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cr.Watch(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	writeTestCert(t, dir, "two")
	assert.Eventually(t, func() bool {
		return leafCN(t, cr) == "two"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	// let a pending reload timer fire before the leak check
	time.Sleep(2 * CertReloadDelay)
}
