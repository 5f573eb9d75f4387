package config

import (
	"path/filepath"
	"runtime"
	"testing"
)

type sampleConfig struct {
	Name string `toml:"name" yaml:"name"`
	Port int    `toml:"port" yaml:"port"`
}

func TestTOMLRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "server.conf")

	want := &sampleConfig{Name: "labelberry", Port: 8080}
	if err := WriteDefaultTOML(path, want); err != nil {
		t.Fatal(err)
	}

	var got sampleConfig
	if err := LoadTOML(path, &got); err != nil {
		t.Fatal(err)
	}
	if got != *want {
		t.Errorf("round trip: %+v", got)
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "client.conf")

	want := &sampleConfig{Name: "pi-001", Port: 8100}
	if err := WriteYAML(path, want); err != nil {
		t.Fatal(err)
	}

	var got sampleConfig
	if err := LoadYAML(path, &got); err != nil {
		t.Fatal(err)
	}
	if got != *want {
		t.Errorf("round trip: %+v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	var cfg sampleConfig
	if err := LoadTOML(filepath.Join(t.TempDir(), "absent.conf"), &cfg); err == nil {
		t.Error("missing TOML should error")
	}
	if err := LoadYAML(filepath.Join(t.TempDir(), "absent.conf"), &cfg); err == nil {
		t.Error("missing YAML should error")
	}
}

func TestSearchPathOrder(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("linux search chain only")
	}

	paths := SearchPaths("client.conf", "client")
	if len(paths) < 2 {
		t.Fatalf("paths: %v", paths)
	}
	if paths[0] != "/etc/labelberry/client.conf" {
		t.Errorf("first path: %s, want the installer location", paths[0])
	}
	if paths[1] != "/etc/labelberry/client/client.conf" {
		t.Errorf("second path: %s", paths[1])
	}
}

func TestFindConfigFile(t *testing.T) {
	// relies on the cwd fallback at the end of the search chain
	t.Chdir(t.TempDir())

	if _, _, err := FindConfigFile("definitely-missing.conf", "client"); err == nil {
		t.Error("missing file should error")
	}

	if err := WriteYAML("found.conf", &sampleConfig{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	path, data, err := FindConfigFile("found.conf", "client")
	if err != nil {
		t.Fatal(err)
	}
	if path == "" || len(data) == 0 {
		t.Errorf("path=%q len=%d", path, len(data))
	}
}
