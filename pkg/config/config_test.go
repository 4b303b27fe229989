package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Extra string `yaml:"extra"`
}

func (s *sample) Validate() error {
	if s.Port == 0 {
		return errors.New("port required")
	}
	return nil
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "from-env")
	path := writeFile(t, "name: ${SAMPLE_NAME}\nport: 8080\n")

	s := sample{Extra: "kept"}
	if err := Load(path, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "from-env" || s.Port != 8080 || s.Extra != "kept" {
		t.Errorf("loaded %+v", s)
	}
}

func TestLoadValidates(t *testing.T) {
	path := writeFile(t, "name: x\n")
	var s sample
	err := Load(path, &s)
	if err == nil || !strings.Contains(err.Error(), "port required") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeFile(t, "name: [unterminated\n")
	var s sample
	if err := Load(path, &s); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadOptional(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	s := sample{Port: 1}
	if err := LoadOptional(missing, &s); err != nil {
		t.Errorf("missing file with valid defaults: %v", err)
	}
	var empty sample
	if err := LoadOptional(missing, &empty); err == nil {
		t.Error("missing file should still validate")
	}
	if err := Load(missing, &s); err == nil {
		t.Error("Load of missing file should fail")
	}
}
