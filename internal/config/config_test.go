package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	got, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	want := DefaultCacheConfig()
	if got != want {
		t.Errorf("LoadFile() = %+v, want defaults %+v", got, want)
	}
}

func TestLoadFileParsesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wcms.toml")
	contents := "[cache]\ncache_fulltexts = false\nfail_stop = true\nmemcache_endpoint = \"localhost:11211\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if got.CacheFulltexts {
		t.Errorf("CacheFulltexts = true, want false")
	}
	if !got.FailStop {
		t.Errorf("FailStop = false, want true")
	}
	if got.MemcacheEndpoint != "localhost:11211" {
		t.Errorf("MemcacheEndpoint = %q, want localhost:11211", got.MemcacheEndpoint)
	}
	if !got.CacheTxdeltas {
		t.Errorf("CacheTxdeltas = false, want true (untouched default)")
	}
}

func TestFindProjectConfigWalksUp(t *testing.T) {
	root := t.TempDir()
	wcmsDir := filepath.Join(root, ".wcms")
	if err := os.MkdirAll(wcmsDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}
	cfgPath := filepath.Join(wcmsDir, "wcms.toml")
	if err := os.WriteFile(cfgPath, []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll() failed: %v", err)
	}

	got := FindProjectConfig(sub)
	if got != cfgPath {
		t.Errorf("FindProjectConfig() = %q, want %q", got, cfgPath)
	}
}

func TestCLIOverlayEnv(t *testing.T) {
	t.Setenv("WCMS_CACHE_FAIL_STOP", "true")

	_, got := CLIOverlay(DefaultCacheConfig())
	if !got.FailStop {
		t.Errorf("CLIOverlay() FailStop = false, want true from WCMS_CACHE_FAIL_STOP")
	}
}
