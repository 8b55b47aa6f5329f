// Package ssh provides scoped remote sessions for the submission host.
// A session lazily opens an SSH connection on the first command and an
// SFTP channel on the first file operation; Close releases both.
package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/cms-pdmv/gridpack-machine/pkg/log"
)

const (
	// DefaultTimeout bounds a single remote command
	DefaultTimeout = 3600 * time.Second
	// DefaultMaxRetries bounds retries on transient AFS trouble
	DefaultMaxRetries = 3

	// afsMarker in stderr indicates a transient permission problem with
	// the remote home directory; the command is worth retrying on a
	// fresh connection
	afsMarker = ".bashrc: Permission denied"

	dialTimeout   = 30 * time.Second
	retryInterval = 3 * time.Second
)

var errTransientAFS = errors.New("transient AFS permission failure")

// Session runs commands and file operations against a remote host.
// Sessions are single-threaded by contract and must be closed.
type Session interface {
	// Execute runs one or more commands joined by "; " and returns
	// stdout, stderr and the exit code
	Execute(commands ...string) (string, string, int, error)
	// UploadFile copies a local file to the remote host
	UploadFile(local, remote string) bool
	// UploadData writes the given bytes as a remote file
	UploadData(content []byte, remote string) bool
	// DownloadFile copies a remote file to the local filesystem
	DownloadFile(remote, local string) bool
	// DownloadString reads a remote file into memory
	DownloadString(remote string) (string, bool)
	// Close releases the SSH and SFTP connections
	Close()
}

// Executor opens sessions against a fixed host with password auth
type Executor struct {
	Host       string
	Username   string
	Password   string
	Timeout    time.Duration
	MaxRetries int
}

// NewExecutor creates an executor with default timeout and retries
func NewExecutor(host, username, password string) *Executor {
	return &Executor{
		Host:       host,
		Username:   username,
		Password:   password,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}

// NewSession returns an unconnected session. The connection is opened
// lazily by the first command or file operation.
func (e *Executor) NewSession() Session {
	return &remoteSession{
		executor: e,
		logger:   log.WithComponent("ssh"),
	}
}

type remoteSession struct {
	executor *Executor
	logger   zerolog.Logger
	client   *xssh.Client
	sftp     *sftp.Client
}

func (s *remoteSession) ensureSSH() error {
	if s.client != nil {
		return nil
	}

	addr := s.executor.Host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	config := &xssh.ClientConfig{
		User: s.executor.Username,
		Auth: []xssh.AuthMethod{
			xssh.Password(s.executor.Password),
			xssh.KeyboardInteractive(s.keyboardInteractive),
		},
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	client, err := xssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.executor.Host, err)
	}

	s.client = client
	return nil
}

// keyboardInteractive answers every challenge with the password, some
// login nodes refuse plain password auth
func (s *remoteSession) keyboardInteractive(_, _ string, questions []string, _ []bool) ([]string, error) {
	answers := make([]string, len(questions))
	for i := range questions {
		answers[i] = s.executor.Password
	}
	return answers, nil
}

func (s *remoteSession) ensureSFTP() error {
	if s.sftp != nil {
		return nil
	}
	if err := s.ensureSSH(); err != nil {
		return err
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("failed to open sftp channel: %w", err)
	}
	s.sftp = client
	return nil
}

// Execute runs the command sequence, retrying on the AFS permission
// marker with a fresh connection
func (s *remoteSession) Execute(commands ...string) (string, string, int, error) {
	command := strings.Join(commands, "; ")
	start := time.Now()

	var stdout, stderr string
	var exitCode int

	operation := func() error {
		var err error
		stdout, stderr, exitCode, err = s.runOnce(command)
		if err != nil {
			s.Close()
			return backoff.Permanent(err)
		}
		if strings.Contains(stderr, afsMarker) {
			s.logger.Warn().Msg("SSH execution hit AFS permission trouble, will retry")
			s.Close()
			return errTransientAFS
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(
		backoff.NewConstantBackOff(retryInterval),
		uint64(s.executor.MaxRetries),
	))

	duration := time.Since(start)
	s.logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Str("command", command).
		Msg("SSH command executed")

	if stderr != "" {
		s.logger.Debug().Str("stderr", stderr).Msg("SSH command stderr")
	}

	if err != nil && !errors.Is(err, errTransientAFS) {
		return "", "", 0, err
	}

	return strings.TrimSpace(stdout), strings.TrimSpace(stderr), exitCode, nil
}

func (s *remoteSession) runOnce(command string) (string, string, int, error) {
	if err := s.ensureSSH(); err != nil {
		return "", "", 0, err
	}

	session, err := s.client.NewSession()
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *xssh.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				return "", "", 0, fmt.Errorf("ssh command failed: %w", err)
			}
		}
		return stdout.String(), stderr.String(), exitCode, nil
	case <-time.After(s.executor.Timeout):
		session.Close()
		return "", "", 0, fmt.Errorf("command timed out after %s", s.executor.Timeout)
	}
}

// UploadFile copies a local file to the remote host
func (s *remoteSession) UploadFile(local, remote string) bool {
	if err := s.ensureSFTP(); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error opening sftp for upload")
		return false
	}

	source, err := os.Open(local)
	if err != nil {
		s.logger.Error().Err(err).Str("local", local).Msg("Error opening local file")
		return false
	}
	defer source.Close()

	target, err := s.sftp.Create(remote)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error creating remote file")
		return false
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error uploading file")
		return false
	}

	s.logger.Debug().Str("local", local).Str("remote", remote).Msg("Uploaded file")
	return true
}

// UploadData writes the given bytes as a remote file
func (s *remoteSession) UploadData(content []byte, remote string) bool {
	if err := s.ensureSFTP(); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error opening sftp for upload")
		return false
	}

	target, err := s.sftp.Create(remote)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error creating remote file")
		return false
	}
	defer target.Close()

	if _, err := target.Write(content); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error uploading data")
		return false
	}

	s.logger.Debug().Int("bytes", len(content)).Str("remote", remote).Msg("Uploaded data")
	return true
}

// DownloadFile copies a remote file to the local filesystem
func (s *remoteSession) DownloadFile(remote, local string) bool {
	if err := s.ensureSFTP(); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error opening sftp for download")
		return false
	}

	source, err := s.sftp.Open(remote)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error opening remote file")
		return false
	}
	defer source.Close()

	target, err := os.Create(local)
	if err != nil {
		s.logger.Error().Err(err).Str("local", local).Msg("Error creating local file")
		return false
	}
	defer target.Close()

	if _, err := io.Copy(target, source); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error downloading file")
		return false
	}

	s.logger.Debug().Str("remote", remote).Str("local", local).Msg("Downloaded file")
	return true
}

// DownloadString reads a remote file into memory
func (s *remoteSession) DownloadString(remote string) (string, bool) {
	if err := s.ensureSFTP(); err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error opening sftp for download")
		return "", false
	}

	source, err := s.sftp.Open(remote)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error opening remote file")
		return "", false
	}
	defer source.Close()

	content, err := io.ReadAll(source)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", remote).Msg("Error reading remote file")
		return "", false
	}

	return string(content), true
}

// Close releases the SSH and SFTP connections
func (s *remoteSession) Close() {
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}
