package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Container.CgroupDriver != "cgroupfs" {
		t.Fatalf("got driver %q, want cgroupfs", cfg.Container.CgroupDriver)
	}
	if cfg.Container.StartTimeoutMs != 5000 {
		t.Fatalf("got start timeout %d, want 5000", cfg.Container.StartTimeoutMs)
	}
}

func TestLoadParsesOverridesOnTopOfDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portod.toml")
	body := `
[container]
start_timeout_ms = 9000
cgroup_driver = "systemd"

[[container.ipc_sysctl]]
key = "kernel.shmmax"
val = "1234"

[network]
autoconf_timeout_s = 30
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Container.StartTimeoutMs != 9000 {
		t.Fatalf("got %d, want 9000", cfg.Container.StartTimeoutMs)
	}
	if cfg.Container.CgroupDriver != "systemd" {
		t.Fatalf("got %q, want systemd", cfg.Container.CgroupDriver)
	}
	if cfg.Network.AutoconfTimeoutS != 30 {
		t.Fatalf("got %d, want 30", cfg.Network.AutoconfTimeoutS)
	}
	if len(cfg.Container.IPCSysctl) != 1 || cfg.Container.IPCSysctl[0].Val != "1234" {
		t.Fatalf("got %+v, want one override of 1234", cfg.Container.IPCSysctl)
	}
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portod.toml")
	if err := os.WriteFile(path, []byte("this is not [ valid toml"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error decoding malformed toml")
	}
}

func TestSeedIPCSysctlsFillsOnlyMissingKeys(t *testing.T) {
	cfg := Default()
	cfg.Container.IPCSysctl = []Sysctl{{Key: "kernel.shmmax", Val: "already-set"}}

	seen := map[string]int{}
	read := func(key string) (string, error) {
		seen[key]++
		if key == "kernel.msgmni" {
			return "", errors.New("no such sysctl")
		}
		return "host-value", nil
	}
	SeedIPCSysctls(cfg, read)

	byKey := make(map[string]string, len(cfg.Container.IPCSysctl))
	for _, s := range cfg.Container.IPCSysctl {
		byKey[s.Key] = s.Val
	}
	if byKey["kernel.shmmax"] != "already-set" {
		t.Fatalf("seeding overwrote an already-configured key: %q", byKey["kernel.shmmax"])
	}
	if byKey["kernel.shmall"] != "host-value" {
		t.Fatalf("missing key was not seeded: %+v", byKey)
	}
	if _, ok := byKey["kernel.msgmni"]; ok {
		t.Fatal("a key whose reader errored should not have been added")
	}
	if seen["kernel.shmmax"] != 0 {
		t.Fatal("an already-configured key should never be read from the host")
	}
}

func TestIsIPCSysctl(t *testing.T) {
	if !IsIPCSysctl("kernel.shmmax") {
		t.Fatal("kernel.shmmax should be recognized as an ipc sysctl")
	}
	if IsIPCSysctl("net.ipv4.ip_forward") {
		t.Fatal("net.ipv4.ip_forward should not be recognized as an ipc sysctl")
	}
}
