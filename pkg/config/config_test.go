package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Port    int           `yaml:"port"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("INKWELL_TEST_NAME", "from-env")
	path := writeConfig(t, "name: ${INKWELL_TEST_NAME}\ntimeout: 7s\n")

	cfg := sample{Port: 8080}
	require.NoError(t, Load(path, &cfg))
	require.Equal(t, sample{Name: "from-env", Timeout: 7 * time.Second, Port: 8080}, cfg)
}

func TestLoad_Validates(t *testing.T) {
	path := writeConfig(t, "port: 0\n")
	cfg := sample{Port: 1}
	err := Load(path, &cfg)
	require.ErrorContains(t, err, "port must be positive")
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg sample
	require.Error(t, Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg))
}

func TestLoadOptional_MissingFileUsesDefaults(t *testing.T) {
	cfg := sample{Port: 9000}
	require.NoError(t, LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &cfg))
	require.Equal(t, 9000, cfg.Port)

	bad := sample{}
	require.Error(t, LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &bad))
}
