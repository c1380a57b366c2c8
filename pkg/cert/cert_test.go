package cert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdlsj/devnest/pkg/docker"
)

func selfSigned(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "devnest Local Authority"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

type fakeExec struct {
	mu      sync.Mutex
	calls   int
	readyAt int
	pem     []byte
}

func (f *fakeExec) Exec(_ context.Context, _ string, argv []string) (docker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return docker.ExecResult{}, errors.New("container is restarting")
	}
	if f.readyAt == 0 || f.calls < f.readyAt {
		return docker.ExecResult{ExitCode: 1, Stderr: "cat: can't open '" + argv[1] + "': No such file or directory"}, nil
	}
	return docker.ExecResult{Stdout: string(f.pem)}, nil
}

func TestWaitForRootCert(t *testing.T) {
	ex := &fakeExec{readyAt: 3, pem: selfSigned(t)}

	crt, raw, err := WaitForRootCert(context.Background(), ex, "proxy", "", time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "devnest Local Authority", crt.Subject.CommonName)
	assert.Equal(t, ex.pem, raw)
	assert.Equal(t, 3, ex.calls)
}

func TestWaitForRootCert_Timeout(t *testing.T) {
	ex := &fakeExec{}

	_, _, err := WaitForRootCert(context.Background(), ex, "proxy", "/root.crt", 5*time.Millisecond, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "No such file")
}

func TestDescribeAndExport(t *testing.T) {
	raw := selfSigned(t)
	block, _ := pem.Decode(raw)
	crt, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	info := Describe(crt)
	assert.Contains(t, info.Subject, "devnest Local Authority")
	assert.Len(t, info.Fingerprint, 32*3-1)
	assert.False(t, Expired(crt, time.Now()))
	assert.True(t, Expired(crt, time.Now().Add(48*time.Hour)))

	path := filepath.Join(t.TempDir(), "nested", "root.crt")
	require.NoError(t, Export(path, raw))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}
