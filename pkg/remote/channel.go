package remote

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Channel is one authenticated shell connection to a storage node. Exec runs
// a single command and returns its trimmed stdout and stderr; a non-zero
// remote exit status is not an error (systemctl is-active exits non-zero for
// inactive units).
type Channel interface {
	Exec(command string) (stdout, stderr string, err error)
	Close() error
}

// Dialer opens a Channel to a named host.
type Dialer interface {
	Dial(host string) (Channel, error)
}

// SSHDialer connects with a single private key. Agent keys and ~/.ssh are
// deliberately not consulted so the connection either works with the
// distributed key or fails loudly.
type SSHDialer struct {
	User    string
	Timeout time.Duration

	signer ssh.Signer
}

// NewSSHDialer loads the private key at keyFile. The timeout bounds both the
// connection attempt and each command's I/O.
func NewSSHDialer(user, keyFile string, timeout time.Duration) (*SSHDialer, error) {
	pemBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", keyFile, err)
	}
	return &SSHDialer{User: user, Timeout: timeout, signer: signer}, nil
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(host string) (Channel, error) {
	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}
	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", host, err)
	}
	return &sshChannel{host: host, client: client, timeout: d.Timeout}, nil
}

type sshChannel struct {
	host    string
	client  *ssh.Client
	timeout time.Duration
}

func (c *sshChannel) Exec(command string) (string, string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("opening session to %s: %w", c.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-time.After(c.timeout):
		session.Close()
		log.Errorf("Timeout while executing command on %s: %s", c.host, command)
		return "", "", fmt.Errorf("timeout running command: %s", command)
	}

	if err != nil {
		if _, exited := err.(*ssh.ExitError); !exited {
			return "", "", fmt.Errorf("running command on %s: %w", c.host, err)
		}
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), nil
}

func (c *sshChannel) Close() error {
	return c.client.Close()
}
