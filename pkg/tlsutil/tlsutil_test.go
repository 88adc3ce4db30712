package tlsutil

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelfSigned(t *testing.T) {
	server, client, err := SelfSigned("localhost", "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, server.Certificates, 1)
	require.NotNil(t, client.RootCAs)

	leaf := server.Certificates[0].Leaf
	require.Contains(t, leaf.DNSNames, "localhost")
	require.Len(t, leaf.IPAddresses, 1)

	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName:   "localhost",
		Roots:     client.RootCAs,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)
}

func TestLoad(t *testing.T) {
	server, _, err := SelfSigned("localhost")
	require.NoError(t, err)

	dir := t.TempDir()
	cert := server.Certificates[0]
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	srv, cli, err := Load(Files{CAFile: certPath, CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	require.Len(t, srv.Certificates, 1)
	require.Len(t, cli.Certificates, 1)
	require.Equal(t, []string{NextProto}, cli.NextProtos)
}

func TestLoad_BadCA(t *testing.T) {
	dir := t.TempDir()
	bogus := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(bogus, []byte("not pem"), 0o600))

	_, _, err := Load(Files{CAFile: bogus, CertFile: bogus, KeyFile: bogus})
	require.Error(t, err)
}
