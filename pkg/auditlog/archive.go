package auditlog

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ArchiveConfig configures the write-once SFTP archiver.
type ArchiveConfig struct {
	// Addr is the host:port of the SFTP endpoint.
	Addr string

	// User is the SSH user.
	User string

	// PrivateKeyPEM is the PEM-encoded SSH private key.
	PrivateKeyPEM []byte

	// HostKey, when set, pins the expected server host key.
	HostKey ssh.PublicKey

	// RemoteDir is the directory signed logs are archived under.
	RemoteDir string

	// Timeout bounds the SSH dial.
	Timeout time.Duration
}

// Archiver uploads signed decision logs to write-once remote storage.
// Remote files are created exclusively, so an existing archive can
// never be overwritten.
type Archiver struct {
	cfg    ArchiveConfig
	logger zerolog.Logger
}

// NewArchiver creates an archiver.
func NewArchiver(cfg ArchiveConfig, logger zerolog.Logger) (*Archiver, error) {
	if cfg.Addr == "" || cfg.User == "" {
		return nil, fmt.Errorf("archive endpoint address and user are required")
	}
	if len(cfg.PrivateKeyPEM) == 0 {
		return nil, fmt.Errorf("archive private key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Archiver{
		cfg:    cfg,
		logger: logger.With().Str("component", "log-archiver").Logger(),
	}, nil
}

// Archive uploads the signed log at localPath as remoteName under the
// configured remote directory and returns the remote path.
func (a *Archiver) Archive(localPath, remoteName string) (string, error) {
	signer, err := ssh.ParsePrivateKey(a.cfg.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("failed to parse archive private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if a.cfg.HostKey != nil {
		hostKeyCallback = ssh.FixedHostKey(a.cfg.HostKey)
	}

	conn, err := ssh.Dial("tcp", a.cfg.Addr, &ssh.ClientConfig{
		User:            a.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         a.cfg.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("failed to dial archive endpoint: %w", err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer client.Close()

	if a.cfg.RemoteDir != "" {
		if err := client.MkdirAll(a.cfg.RemoteDir); err != nil {
			return "", fmt.Errorf("failed to create remote directory: %w", err)
		}
	}

	local, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open local log: %w", err)
	}
	defer local.Close()

	remotePath := path.Join(a.cfg.RemoteDir, remoteName)

	// O_EXCL makes the archive write-once; a second upload of the same
	// name fails instead of clobbering the original.
	remote, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return "", fmt.Errorf("failed to create remote archive %s: %w", remotePath, err)
	}

	n, err := io.Copy(remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload archive %s: %w", remotePath, err)
	}

	a.logger.Info().
		Str("remote_path", remotePath).
		Int64("bytes", n).
		Msg("Decision log archived")

	return remotePath, nil
}
