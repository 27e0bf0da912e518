package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/security"
)

// generateTestCert creates a self-signed certificate valid for dnsName.
func generateTestCert(t *testing.T, dnsName string) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Reef Test"}, CommonName: dnsName},
		DNSNames:              []string{dnsName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

func writeFiles(t *testing.T, dnsName string) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t, dnsName)
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

func TestLoadClientTLSConfig_Defaults(t *testing.T) {
	cfg, err := LoadClientTLSConfig(security.TLSConfig{})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.VerifyConnection)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestLoadClientTLSConfig_Options(t *testing.T) {
	certFile, keyFile := writeFiles(t, "broker.local")

	tests := []struct {
		name           string
		cfg            security.TLSConfig
		wantErr        bool
		wantInsecure   bool
		wantChainCheck bool
		wantClientCert bool
	}{
		{name: "ca file", cfg: security.TLSConfig{CACert: certFile}},
		{name: "missing ca", cfg: security.TLSConfig{CACert: "/nonexistent/ca.pem"}, wantErr: true},
		{name: "invalid pem", cfg: security.TLSConfig{CACert: keyFile}, wantErr: true},
		{name: "verify off", cfg: security.TLSConfig{Verify: security.Bool(false)}, wantInsecure: true},
		{
			name:           "hostname check off",
			cfg:            security.TLSConfig{CACert: certFile, CheckHostname: security.Bool(false)},
			wantInsecure:   true,
			wantChainCheck: true,
		},
		{
			name:           "mutual tls",
			cfg:            security.TLSConfig{ClientCert: certFile, ClientKey: keyFile},
			wantClientCert: true,
		},
		{name: "cert without key", cfg: security.TLSConfig{ClientCert: certFile}, wantErr: true},
		{name: "missing client cert", cfg: security.TLSConfig{ClientCert: "/nope.pem", ClientKey: keyFile}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadClientTLSConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInsecure, cfg.InsecureSkipVerify)
			assert.Equal(t, tt.wantChainCheck, cfg.VerifyConnection != nil)
			assert.Equal(t, tt.wantClientCert, len(cfg.Certificates) == 1)
		})
	}
}

func TestLoadServerTLSConfig(t *testing.T) {
	cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	certFile, keyFile := writeFiles(t, "localhost")
	cfg, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3",
	})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true, CertFile: "/x", KeyFile: "/y"})
	require.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("bogus"))
}

// handshake dials a TLS listener serving a certificate for "broker.local".
func handshake(t *testing.T, clientCfg *tls.Config) error {
	t.Helper()
	certFile, keyFile := writeFiles(t, "broker.local")
	serverCfg, err := LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	// trust the server's own certificate
	pemBytes, err := os.ReadFile(certFile)
	require.NoError(t, err)
	if clientCfg.RootCAs == nil {
		clientCfg.RootCAs = x509.NewCertPool()
	}
	clientCfg.RootCAs.AppendCertsFromPEM(pemBytes)
	if clientCfg.VerifyConnection != nil {
		clientCfg.VerifyConnection = verifyChainOnly(clientCfg.RootCAs)
	}

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		return err
	}
	return conn.Close()
}

func TestHandshake_HostnameMismatch(t *testing.T) {
	cfg, err := LoadClientTLSConfig(security.TLSConfig{ServerName: "other.local"})
	require.NoError(t, err)
	assert.Error(t, handshake(t, cfg))
}

func TestHandshake_HostnameCheckDisabled(t *testing.T) {
	cfg, err := LoadClientTLSConfig(security.TLSConfig{
		ServerName:    "other.local",
		CheckHostname: security.Bool(false),
	})
	require.NoError(t, err)
	assert.NoError(t, handshake(t, cfg))
}

func TestVerifyChainOnly(t *testing.T) {
	assert.Error(t, verifyChainOnly(x509.NewCertPool())(tls.ConnectionState{}))

	certPEM, _ := generateTestCert(t, "broker.local")
	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	state := tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	assert.Error(t, verifyChainOnly(x509.NewCertPool())(state), "untrusted chain")

	trusted := x509.NewCertPool()
	trusted.AddCert(cert)
	assert.NoError(t, verifyChainOnly(trusted)(state))
}
