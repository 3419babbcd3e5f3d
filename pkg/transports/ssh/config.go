package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the host manager logs in to a virtualization host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"

	// AuthMethodAgent uses the keys of the agent at SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// Config describes how to reach the virtualization host when commands are
// not run locally.
type Config struct {
	Host string `yaml:"host" mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port int    `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	User string `yaml:"user" mapstructure:"user" validate:"required"`

	AuthMethod AuthMethod `yaml:"auth_method" mapstructure:"auth_method" validate:"oneof=password key agent"`
	Password   string     `yaml:"password" mapstructure:"password" validate:"required_if=AuthMethod password"`

	// PrivateKeyPath defaults to the first of ~/.ssh/id_ed25519, id_ecdsa
	// and id_rsa that exists.
	PrivateKeyPath       string `yaml:"private_key_path" mapstructure:"private_key_path"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase" mapstructure:"private_key_passphrase"`

	// Host keys are checked against KnownHostsPath when StrictHostKeyChecking
	// is set, or against HostKeyFingerprint ("SHA256:...") when that is given.
	KnownHostsPath        string `yaml:"known_hosts_path" mapstructure:"known_hosts_path"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking" mapstructure:"strict_host_key_checking"`
	HostKeyFingerprint    string `yaml:"host_key_fingerprint" mapstructure:"host_key_fingerprint" validate:"omitempty,startswith=SHA256:"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout" mapstructure:"connection_timeout" validate:"gt=0"`

	// CommandTimeout bounds a single command unless the caller's context is shorter.
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout" validate:"gt=0"`

	// KeepAliveInterval of zero disables keep-alives.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" mapstructure:"keep_alive_interval" validate:"gte=0"`
}

// DefaultConfig returns key authentication against host with strict host key
// checking.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
	}
}

// Validate checks the configuration and resolves the default private key.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	switch c.AuthMethod {
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKey()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("no private key configured and none found in ~/.ssh")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key %s: %w", c.PrivateKeyPath, err)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication needs SSH_AUTH_SOCK")
		}
	}
	return nil
}

func defaultKey() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig creates the x/crypto client configuration.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Hosts with PAM often only offer keyboard-interactive.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch {
	case c.HostKeyFingerprint != "":
		want := c.HostKeyFingerprint
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			if got := ssh.FingerprintSHA256(key); got != want {
				return fmt.Errorf("host key of %s is %s, expected %s", hostname, got, want)
			}
			return nil
		}, nil
	case c.StrictHostKeyChecking && c.KnownHostsPath != "":
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return cb, nil
	default:
		return ssh.InsecureIgnoreHostKey(), nil
	}
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
