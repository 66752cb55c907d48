package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/pkg/engine"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHAuthMethod selects how the runner authenticates to the remote host.
type SSHAuthMethod string

const (
	// SSHAuthPassword uses password authentication.
	SSHAuthPassword SSHAuthMethod = "password"

	// SSHAuthKey uses private key authentication.
	SSHAuthKey SSHAuthMethod = "key"
)

// SSHConfig holds the connection settings for a remote runner host.
type SSHConfig struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// AuthMethod specifies which authentication method to use.
	AuthMethod SSHAuthMethod

	// Password for password-based authentication.
	Password string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys.
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts absent from known_hosts. When
	// false, any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// KeepAliveInterval is the interval for keep-alive messages. Zero
	// disables keep-alive.
	KeepAliveInterval time.Duration

	// RemoteWorkDir is the directory steps run in on the remote host.
	RemoteWorkDir string
}

// DefaultSSHConfig returns an SSHConfig with sensible defaults.
func DefaultSSHConfig(host, user string) *SSHConfig {
	return &SSHConfig{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            SSHAuthKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
		RemoteWorkDir:         "/tmp/conveyor-workspace",
	}
}

// Validate checks the configuration before a connection attempt.
func (c *SSHConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.RemoteWorkDir == "" {
		return fmt.Errorf("remote work dir is required")
	}

	switch c.AuthMethod {
	case SSHAuthPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case SSHAuthKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			for _, keyPath := range []string{
				filepath.Join(homeDir, ".ssh", "id_ed25519"),
				filepath.Join(homeDir, ".ssh", "id_rsa"),
				filepath.Join(homeDir, ".ssh", "id_ecdsa"),
			} {
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	return nil
}

// clientConfig builds the ssh.ClientConfig for the connection.
func (c *SSHConfig) clientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case SSHAuthPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))
		// Many sshd setups only offer keyboard-interactive for the
		// password prompt.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case SSHAuthKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// address returns the host:port dial target.
func (c *SSHConfig) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SSH executes steps on a remote host over one SSH connection. Each step
// runs in its own session under the remote work directory; declared outputs
// come back through a per-step output file fetched over SFTP. It implements
// engine.Runner.
type SSH struct {
	cfg *SSHConfig

	mu        sync.Mutex
	client    *ssh.Client
	files     *sftp.Client
	connected bool
}

// NewSSH creates a remote runner for the given host.
func NewSSH(cfg *SSHConfig) (*SSH, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh runner config: %w", err)
	}
	return &SSH{cfg: cfg}, nil
}

// Connect establishes the SSH connection and prepares the remote work
// directory.
func (r *SSH) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	clientConfig, err := r.cfg.clientConfig()
	if err != nil {
		return err
	}

	address := r.cfg.address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	case client := <-connChan:
		r.client = client
	}

	files, err := sftp.NewClient(r.client)
	if err != nil {
		_ = r.client.Close()
		r.client = nil
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	r.files = files

	if err := files.MkdirAll(r.cfg.RemoteWorkDir); err != nil {
		_ = files.Close()
		_ = r.client.Close()
		r.client = nil
		r.files = nil
		return fmt.Errorf("failed to create remote work dir: %w", err)
	}

	r.connected = true
	if r.cfg.KeepAliveInterval > 0 {
		go r.keepAlive()
	}

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

// Close shuts the connection down.
func (r *SSH) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false

	if r.files != nil {
		_ = r.files.Close()
		r.files = nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// RunStep executes a single resolved step on the remote host.
func (r *SSH) RunStep(ctx context.Context, req engine.StepRequest) (*engine.StepResult, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("step command is required")
	}

	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil, fmt.Errorf("ssh runner is not connected")
	}
	client := r.client
	files := r.files
	r.mu.Unlock()

	outputPath := path.Join(r.cfg.RemoteWorkDir,
		fmt.Sprintf(".conveyor-output-%d", time.Now().UnixNano()))
	defer func() { _ = files.Remove(outputPath) }()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	command := r.buildCommand(req, outputPath)

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case runErr = <-doneChan:
	}

	result := &engine.StepResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr != nil {
		exitErr, ok := runErr.(*ssh.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute step: %w", runErr)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	result.Outputs = r.readOutputs(files, outputPath)
	return result, nil
}

// buildCommand assembles the remote shell command line: change into the
// work directory, export the step environment, then run the step.
func (r *SSH) buildCommand(req engine.StepRequest, outputPath string) string {
	var sb strings.Builder
	sb.WriteString("cd ")
	sb.WriteString(shellQuote(r.cfg.RemoteWorkDir))
	sb.WriteString(" && ")

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString("export ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(req.Env[k]))
		sb.WriteString(" && ")
	}

	sb.WriteString("export ")
	sb.WriteString(OutputFileEnv)
	sb.WriteString("=")
	sb.WriteString(shellQuote(outputPath))
	sb.WriteString(" && ")

	sb.WriteString(req.Command)
	return sb.String()
}

// readOutputs fetches and parses the remote output file. A missing file
// means the step declared no outputs.
func (r *SSH) readOutputs(files *sftp.Client, outputPath string) map[string]string {
	f, err := files.Open(outputPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read remote step output file")
		return nil
	}
	return parseOutputData(data)
}

// keepAlive sends periodic keep-alive requests until the connection closes.
func (r *SSH) keepAlive() {
	ticker := time.NewTicker(r.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		client := r.client
		connected := r.connected
		r.mu.Unlock()
		if !connected || client == nil {
			return
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			log.Warn().Err(err).Msg("keep-alive failed")
			return
		}
	}
}

// shellQuote wraps a value in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
