package logging

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/arduino/go-paths-helper"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetup_Levels(t *testing.T) {
	log := logrus.New()

	closer, err := Setup(log, Options{Level: "debug"})
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	require.Equal(t, logrus.DebugLevel, log.GetLevel())
	require.Equal(t, io.Discard, log.Out)

	_, err = Setup(log, Options{Level: "WARN"})
	require.NoError(t, err)
	require.Equal(t, logrus.WarnLevel, log.GetLevel())

	_, err = Setup(log, Options{})
	require.NoError(t, err)
	require.Equal(t, logrus.InfoLevel, log.GetLevel())

	_, err = Setup(log, Options{Level: "loud"})
	require.Error(t, err)

	_, err = Setup(log, Options{Format: "xml"})
	require.Error(t, err)
}

func TestSetup_JSONFile(t *testing.T) {
	log := logrus.New()
	file := filepath.Join(t.TempDir(), "bootloader.log")

	closer, err := Setup(log, Options{Level: "info", Format: "json", File: file})
	require.NoError(t, err)
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	require.True(t, ok)

	log.WithField("port", "tcp://localhost:7000").Info("Connected")
	log.Debug("Hidden")
	require.NoError(t, closer.Close())

	data, err := paths.New(file).ReadFile()
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"Connected"`)
	require.Contains(t, string(data), `"port":"tcp://localhost:7000"`)
	require.NotContains(t, string(data), "Hidden")
}
