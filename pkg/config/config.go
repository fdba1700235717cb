package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"gopkg.in/ini.v1"
)

// Metrics transfer methods.
const (
	Pull = "PULL"
	Push = "PUSH"
)

// Defaults, matching what a fresh install writes out.
const (
	DefaultSSHUser        = "xrootdrestart"
	DefaultClusterID      = "production"
	DefaultCmsdPeriod     = 3 * 24 * 3600 // 3 days
	DefaultCmsdWait       = 300           // 5 mins
	DefaultMinOK          = 1
	DefaultPKeyName       = "xrootdrestartkey"
	DefaultLogLevel       = "info"
	DefaultXrootdSvc      = "xrootd@cluster"
	DefaultCmsdSvc        = "cmsd@cluster"
	DefaultPromURL        = "http://localhost:9090"
	DefaultAlertURL       = "http://localhost:9093"
	DefaultMetricsPort    = 8000
	DefaultPushGwURL      = "http://localhost:9091"
	DefaultServiceTimeout = 120
	DefaultMetricsMethod  = Pull

	configFileName = "xrootdrestart.conf"
	configSection  = "general"
)

// ErrNoPrivateKey indicates the configured ssh private key file is missing.
// The setup flow is expected to generate it; the supervisor will not run
// without it.
var ErrNoPrivateKey = errors.New("ssh private key not found")

// Config holds the operator-visible settings. Durations are in seconds, as
// written in the config file.
type Config struct {
	ClusterID      string
	Servers        []string
	SSHUser        string
	PKeyPath       string
	PKeyName       string
	XrootdSvc      string
	CmsdSvc        string
	CmsdPeriod     int
	CmsdWait       int
	ServiceTimeout int
	MinOK          int
	MetricsMethod  string
	MetricsPort    int
	PushGwURL      string
	AlertURL       string
	PromURL        string
	LogLevel       string

	// Hostname is set automatically and not persisted.
	Hostname string
}

// Dir returns the OS-dependent configuration directory: a system path when
// running as root, a per-user path otherwise.
func Dir() string {
	if os.Geteuid() == 0 {
		return "/etc/xrootdrestart"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "xrootdrestart")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), configFileName)
}

// New returns a Config populated with defaults.
func New() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		log.Errorf("Failed to determine hostname: %s", err)
		hostname = "localhost"
	}
	return &Config{
		ClusterID:      DefaultClusterID,
		SSHUser:        DefaultSSHUser,
		PKeyPath:       Dir(),
		PKeyName:       DefaultPKeyName,
		XrootdSvc:      DefaultXrootdSvc,
		CmsdSvc:        DefaultCmsdSvc,
		CmsdPeriod:     DefaultCmsdPeriod,
		CmsdWait:       DefaultCmsdWait,
		ServiceTimeout: DefaultServiceTimeout,
		MinOK:          DefaultMinOK,
		MetricsMethod:  DefaultMetricsMethod,
		MetricsPort:    DefaultMetricsPort,
		PushGwURL:      DefaultPushGwURL,
		AlertURL:       DefaultAlertURL,
		PromURL:        DefaultPromURL,
		LogLevel:       DefaultLogLevel,
		Hostname:       hostname,
	}
}

// Load reads the config file at path, writing a default file first if none
// exists. It fails with ErrNoPrivateKey if the ssh key is missing.
func Load(path string) (*Config, error) {
	c, err := LoadNoKey(path)
	if err != nil {
		return nil, err
	}
	if c.PKeyName != "" {
		if _, err := os.Stat(c.PrivateKeyFile()); err != nil {
			log.Infof("The private key %s doesn't exist", c.PKeyName)
			return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, c.PrivateKeyFile())
		}
	}
	return c, nil
}

// LoadNoKey is Load without the private key existence check. The setup flow
// uses it before any key has been generated.
func LoadNoKey(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	c := New()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Infof("Create a default config file: %s", path)
		if err := c.Save(path); err != nil {
			return nil, err
		}
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	general := f.Section(configSection)

	c.ClusterID = keyOr(general, "cluster_id", c.ClusterID)
	c.SSHUser = keyOr(general, "ssh_user", c.SSHUser)
	c.PKeyName = keyOr(general, "pkey_name", c.PKeyName)
	c.PKeyPath = expandUser(keyOr(general, "pkey_path", c.PKeyPath))
	c.XrootdSvc = keyOr(general, "xrootd_svc", c.XrootdSvc)
	c.CmsdSvc = keyOr(general, "cmsd_svc", c.CmsdSvc)
	c.PromURL = keyOr(general, "prom_url", c.PromURL)
	c.AlertURL = keyOr(general, "alert_url", c.AlertURL)
	c.PushGwURL = keyOr(general, "pushgw_url", c.PushGwURL)
	c.CmsdPeriod = intOr(general, "cmsd_period", c.CmsdPeriod)
	c.CmsdWait = intOr(general, "cmsd_wait", c.CmsdWait)
	c.ServiceTimeout = intOr(general, "service_timeout", c.ServiceTimeout)
	c.MinOK = intOr(general, "min_ok", c.MinOK)
	c.MetricsPort = intOr(general, "metrics_port", c.MetricsPort)
	c.MetricsMethod = strings.ToUpper(keyOr(general, "metrics_method", c.MetricsMethod))
	c.LogLevel = keyOr(general, "log_level", c.LogLevel)
	c.Servers = splitServers(keyOr(general, "servers", ""))

	c.normalize()
	return c, nil
}

// normalize applies the fallback rules for out-of-range or unknown values.
func (c *Config) normalize() {
	if c.MetricsMethod != Pull && c.MetricsMethod != Push {
		log.Errorf("%s is not a valid metrics method.  Changing to %s", c.MetricsMethod, Pull)
		c.MetricsMethod = Pull
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		log.Warnf("%s is not a valid log level.  Changing to %s", c.LogLevel, DefaultLogLevel)
		c.LogLevel = DefaultLogLevel
	}
	if c.CmsdPeriod <= 0 {
		log.Warnf("cmsd_period must be positive, using default %d", DefaultCmsdPeriod)
		c.CmsdPeriod = DefaultCmsdPeriod
	}
	if c.CmsdWait < 0 {
		log.Warnf("cmsd_wait must not be negative, using default %d", DefaultCmsdWait)
		c.CmsdWait = DefaultCmsdWait
	}
	if c.ServiceTimeout <= 0 {
		log.Warnf("service_timeout must be positive, using default %d", DefaultServiceTimeout)
		c.ServiceTimeout = DefaultServiceTimeout
	}
	if c.MinOK < 0 {
		log.Warnf("min_ok must not be negative, using default %d", DefaultMinOK)
		c.MinOK = DefaultMinOK
	}
}

// Save writes the settings to an INI file at path, creating the directory if
// needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f := ini.Empty()
	general := f.Section(configSection)
	general.Key("cluster_id").SetValue(c.ClusterID)
	general.Key("cmsd_period").SetValue(fmt.Sprintf("%d", c.CmsdPeriod))
	general.Key("cmsd_wait").SetValue(fmt.Sprintf("%d", c.CmsdWait))
	general.Key("service_timeout").SetValue(fmt.Sprintf("%d", c.ServiceTimeout))
	general.Key("pkey_name").SetValue(c.PKeyName)
	general.Key("pkey_path").SetValue(c.PKeyPath)
	general.Key("servers").SetValue(strings.Join(c.Servers, ","))
	general.Key("ssh_user").SetValue(c.SSHUser)
	general.Key("min_ok").SetValue(fmt.Sprintf("%d", c.MinOK))
	general.Key("log_level").SetValue(c.LogLevel)
	general.Key("xrootd_svc").SetValue(c.XrootdSvc)
	general.Key("cmsd_svc").SetValue(c.CmsdSvc)
	general.Key("prom_url").SetValue(c.PromURL)
	general.Key("alert_url").SetValue(c.AlertURL)
	general.Key("pushgw_url").SetValue(c.PushGwURL)
	general.Key("metrics_port").SetValue(fmt.Sprintf("%d", c.MetricsPort))
	general.Key("metrics_method").SetValue(c.MetricsMethod)

	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// PrivateKeyFile returns the full path of the ssh private key.
func (c *Config) PrivateKeyFile() string {
	return filepath.Join(c.PKeyPath, c.PKeyName)
}

// LogSettings writes the current settings to the log.
func (c *Config) LogSettings() {
	log.Infof("cluster_id: %s", c.ClusterID)
	log.Infof("cmsd_period: %d", c.CmsdPeriod)
	log.Infof("cmsd_wait: %d", c.CmsdWait)
	log.Infof("service_timeout: %d", c.ServiceTimeout)
	log.Infof("pkey_name: %s", c.PKeyName)
	log.Infof("pkey_path: %s", c.PKeyPath)
	log.Infof("servers: %s", strings.Join(c.Servers, ","))
	log.Infof("ssh_user: %s", c.SSHUser)
	log.Infof("min_ok: %d", c.MinOK)
	log.Infof("log_level: %s", c.LogLevel)
	log.Infof("xrootd_svc: %s", c.XrootdSvc)
	log.Infof("cmsd_svc: %s", c.CmsdSvc)
	log.Infof("prom_url: %s", c.PromURL)
	log.Infof("alert_url: %s", c.AlertURL)
	log.Infof("pushgw_url: %s", c.PushGwURL)
	log.Infof("metrics_port: %d", c.MetricsPort)
	log.Infof("metrics_method: %s", c.MetricsMethod)
}

// CreateKeys generates an ECDSA keypair for the ssh connection, writing the
// private key in PEM form to PrivateKeyFile() and the public key next to it
// in authorized_keys form with a ".pub" suffix.
func (c *Config) CreateKeys() error {
	if err := os.MkdirAll(c.PKeyPath, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", c.PKeyPath, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	privFile := c.PrivateKeyFile()
	log.Debugf("Writing private key: %s", privFile)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(privFile, pemBytes, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("encoding public key: %w", err)
	}
	pubFile := privFile + ".pub"
	log.Debugf("Writing public key: %s", pubFile)
	if err := os.WriteFile(pubFile, ssh.MarshalAuthorizedKey(pub), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

func keyOr(s *ini.Section, name, fallback string) string {
	if !s.HasKey(name) {
		return fallback
	}
	return s.Key(name).String()
}

func intOr(s *ini.Section, name string, fallback int) int {
	if !s.HasKey(name) {
		return fallback
	}
	v, err := s.Key(name).Int()
	if err != nil {
		log.Warnf("%s is not a number, using %d", name, fallback)
		return fallback
	}
	return v
}

func splitServers(list string) []string {
	if list == "" {
		return nil
	}
	var servers []string
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}

func expandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
