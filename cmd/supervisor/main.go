package supervisor

import (
	"errors"
	"flag"
	"os"

	"github.com/gridpp/xrootdrestart/pkg/config"
	"github.com/gridpp/xrootdrestart/pkg/flags"
	"github.com/gridpp/xrootdrestart/pkg/logging"
	"github.com/gridpp/xrootdrestart/pkg/supervisor"
	"github.com/gridpp/xrootdrestart/pkg/version"
	log "github.com/sirupsen/logrus"
)

// Main executes the supervisor subcommand
func Main(args []string) {
	cmd := flag.NewFlagSet("supervisor", flag.ExitOnError)

	configPath := cmd.String("config", config.DefaultPath(), "path to the config file")
	logFile := cmd.String("log-file", logging.DefaultLogFile, "log file path, empty for stderr only")

	flags.ConfigureAndParse(cmd, args)

	if *logFile != "" {
		if err := logging.ConfigureFile(*logFile); err != nil {
			log.Errorf("Failed to open log file %s: %s", *logFile, err)
		}
	}

	log.Info("===========================================================================")
	log.Info("=============================  PROGRAM START ==============================")
	log.Info("===========================================================================")
	log.Infof("Version: %s", version.Version)

	log.Infof("Reading config file: %s", *configPath)
	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrNoPrivateKey) {
		// First run on this host: generate the keypair and stop so the
		// operator can distribute the public key to the storage nodes.
		cfg, err = config.LoadNoKey(*configPath)
		if err != nil {
			log.Errorf("Failed to read config: %s", err)
			os.Exit(supervisor.ExitError)
		}
		if err := cfg.CreateKeys(); err != nil {
			log.Errorf("Failed to create ssh keys: %s", err)
			os.Exit(supervisor.ExitError)
		}
		log.Infof("Created ssh keypair %s", cfg.PrivateKeyFile())
		log.Infof("Install %s.pub for user %s on every server before restarting", cfg.PrivateKeyFile(), cfg.SSHUser)
		os.Exit(supervisor.ExitKeyCreated)
	}
	if err != nil {
		log.Errorf("Failed to read config: %s", err)
		os.Exit(supervisor.ExitError)
	}

	log.Infof("Setting log level to %s", cfg.LogLevel)
	logging.SetLogLevel(cfg.LogLevel)
	cfg.LogSettings()

	s, err := supervisor.New(cfg)
	if err != nil {
		log.Errorf("Failed to start the supervisor: %s", err)
		os.Exit(supervisor.ExitError)
	}
	os.Exit(s.Run())
}
