package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"golang.org/x/crypto/ssh"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xrootdrestart.conf")

	c := New()
	c.ClusterID = "testcluster"
	c.Servers = []string{"se01.example.org", "se02.example.org", "se03.example.org"}
	c.SSHUser = "restarter"
	c.PKeyPath = dir
	c.PKeyName = "testkey"
	c.XrootdSvc = "xrootd@test"
	c.CmsdSvc = "cmsd@test"
	c.CmsdPeriod = 90
	c.CmsdWait = 10
	c.ServiceTimeout = 5
	c.MinOK = 2
	c.MetricsMethod = Push
	c.MetricsPort = 9100
	c.PushGwURL = "http://pushgw:9091"
	c.AlertURL = "http://am:9093"
	c.PromURL = "http://prom:9090"
	c.LogLevel = "debug"

	if err := c.Save(path); err != nil {
		t.Fatalf("Save returned an error: %s", err)
	}

	loaded, err := LoadNoKey(path)
	if err != nil {
		t.Fatalf("LoadNoKey returned an error: %s", err)
	}
	if diff := deep.Equal(c, loaded); diff != nil {
		t.Fatalf("round-tripped config differs: %v", diff)
	}
}

func TestLoadMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "xrootdrestart.conf")

	c, err := LoadNoKey(path)
	if err != nil {
		t.Fatalf("LoadNoKey returned an error: %s", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected a default config file at %s: %s", path, err)
	}
	if c.CmsdPeriod != DefaultCmsdPeriod {
		t.Errorf("cmsd_period: got %d, expected %d", c.CmsdPeriod, DefaultCmsdPeriod)
	}
	if c.MetricsMethod != Pull {
		t.Errorf("metrics_method: got %s, expected %s", c.MetricsMethod, Pull)
	}
	if len(c.Servers) != 0 {
		t.Errorf("servers: got %v, expected none", c.Servers)
	}
	if c.Hostname == "" {
		t.Error("hostname was not set")
	}
}

func TestLoadFallbacks(t *testing.T) {
	testCases := []struct {
		name  string
		ini   string
		check func(t *testing.T, c *Config)
	}{
		{
			"unknown metrics method falls back to PULL",
			"[general]\nmetrics_method = CARRIERPIGEON\n",
			func(t *testing.T, c *Config) {
				if c.MetricsMethod != Pull {
					t.Errorf("got %s, expected %s", c.MetricsMethod, Pull)
				}
			},
		},
		{
			"lowercase push is accepted",
			"[general]\nmetrics_method = push\n",
			func(t *testing.T, c *Config) {
				if c.MetricsMethod != Push {
					t.Errorf("got %s, expected %s", c.MetricsMethod, Push)
				}
			},
		},
		{
			"unknown log level falls back",
			"[general]\nlog_level = chatty\n",
			func(t *testing.T, c *Config) {
				if c.LogLevel != DefaultLogLevel {
					t.Errorf("got %s, expected %s", c.LogLevel, DefaultLogLevel)
				}
			},
		},
		{
			"non-positive cmsd_period falls back",
			"[general]\ncmsd_period = 0\n",
			func(t *testing.T, c *Config) {
				if c.CmsdPeriod != DefaultCmsdPeriod {
					t.Errorf("got %d, expected %d", c.CmsdPeriod, DefaultCmsdPeriod)
				}
			},
		},
		{
			"negative cmsd_wait falls back",
			"[general]\ncmsd_wait = -5\n",
			func(t *testing.T, c *Config) {
				if c.CmsdWait != DefaultCmsdWait {
					t.Errorf("got %d, expected %d", c.CmsdWait, DefaultCmsdWait)
				}
			},
		},
		{
			"servers list is trimmed",
			"[general]\nservers = a.example.org , b.example.org,\n",
			func(t *testing.T, c *Config) {
				expected := []string{"a.example.org", "b.example.org"}
				if diff := deep.Equal(c.Servers, expected); diff != nil {
					t.Errorf("unexpected servers: %v", diff)
				}
			},
		},
		{
			"unknown keys are ignored",
			"[general]\nfrobnicate = yes\ncluster_id = prod\n",
			func(t *testing.T, c *Config) {
				if c.ClusterID != "prod" {
					t.Errorf("got %s, expected prod", c.ClusterID)
				}
			},
		},
	}

	for _, tc := range testCases {
		tc := tc // pin
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "xrootdrestart.conf")
			if err := os.WriteFile(path, []byte(tc.ini), 0644); err != nil {
				t.Fatal(err)
			}
			c, err := LoadNoKey(path)
			if err != nil {
				t.Fatalf("LoadNoKey returned an error: %s", err)
			}
			tc.check(t, c)
		})
	}
}

func TestLoadMissingKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xrootdrestart.conf")
	ini := "[general]\npkey_path = " + dir + "\npkey_name = nosuchkey\n"
	if err := os.WriteFile(path, []byte(ini), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrNoPrivateKey) {
		t.Fatalf("Load returned %v, expected ErrNoPrivateKey", err)
	}

	// LoadNoKey accepts the same config.
	if _, err := LoadNoKey(path); err != nil {
		t.Fatalf("LoadNoKey returned an error: %s", err)
	}
}

func TestCreateKeys(t *testing.T) {
	dir := t.TempDir()
	c := New()
	c.PKeyPath = filepath.Join(dir, "keys")
	c.PKeyName = "testkey"

	if err := c.CreateKeys(); err != nil {
		t.Fatalf("CreateKeys returned an error: %s", err)
	}

	// The private key must parse as an ssh signer.
	pemBytes, err := os.ReadFile(c.PrivateKeyFile())
	if err != nil {
		t.Fatalf("reading private key: %s", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("private key does not parse: %s", err)
	}

	// The public key must be in authorized_keys form and match the signer.
	pubBytes, err := os.ReadFile(c.PrivateKeyFile() + ".pub")
	if err != nil {
		t.Fatalf("reading public key: %s", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubBytes)
	if err != nil {
		t.Fatalf("public key does not parse: %s", err)
	}
	if string(pub.Marshal()) != string(signer.PublicKey().Marshal()) {
		t.Fatal("public key does not match the private key")
	}

	// Load must now pass the key check.
	path := filepath.Join(dir, "xrootdrestart.conf")
	if err := c.Save(path); err != nil {
		t.Fatalf("Save returned an error: %s", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load returned an error: %s", err)
	}
}
