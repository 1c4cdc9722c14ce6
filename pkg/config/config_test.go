package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	conf := defaultConfig()
	require.NoError(t, conf.Validate())
	require.Equal(t, "info", conf.LogLevel)
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	conf := defaultConfig()
	conf.LogLevel = "chatty"
	require.ErrorIs(t, conf.Validate(), ErrInvalidLogLevel)
}

func TestValidateRejectsInvertedPortRange(t *testing.T) {
	conf := defaultConfig()
	conf.RtcMinPort = 50000
	conf.RtcMaxPort = 40000
	require.ErrorIs(t, conf.Validate(), ErrInvalidPortRange)
}

func TestValidateRejectsHalfDtlsPair(t *testing.T) {
	conf := defaultConfig()
	conf.DtlsCertificateFile = "/tmp/cert.pem"
	require.ErrorIs(t, conf.Validate(), ErrMissingDtlsPair)
}

func TestValidateRejectsMissingDtlsFiles(t *testing.T) {
	conf := defaultConfig()
	conf.DtlsCertificateFile = filepath.Join(t.TempDir(), "missing-cert.pem")
	conf.DtlsPrivateKeyFile = filepath.Join(t.TempDir(), "missing-key.pem")
	require.Error(t, conf.Validate())
}

func TestValidateAcceptsDtlsPair(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	key := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o600))
	require.NoError(t, os.WriteFile(key, []byte("key"), 0o600))

	conf := defaultConfig()
	conf.DtlsCertificateFile = cert
	conf.DtlsPrivateKeyFile = key
	require.NoError(t, conf.Validate())
}
