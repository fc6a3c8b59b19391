// Package transport establishes the authenticated, optionally proxied,
// channel to the remote host and exposes byte-stream upload and remote
// command execution on top of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	deploy "github.com/rs-cuongph/my-deploy-tool"
)

// Transport is an established session to the remote host. Upload streams a
// local file to a remote path in chunks, Execute runs a remote command
// synchronously. A Transport is either fully established and authenticated
// or not created at all.
type Transport interface {
	Upload(ctx context.Context, localPath, remotePath string, onProgress deploy.ProgressCallback) error
	Execute(ctx context.Context, command string) (output string, exitCode int, err error)
	Close() error
}

// SSH is the Transport implementation over an SSH connection with an SFTP
// subsystem for file writes.
type SSH struct {
	client *sftp.Client
	conn   *ssh.Client
	config Config
	logger *slog.Logger
}

var _ Transport = (*SSH)(nil)

// Connect dials the remote host (through the configured proxy, if any),
// performs the SSH handshake and opens the SFTP subsystem.
func Connect(ctx context.Context, conf Config, logger *slog.Logger) (*SSH, error) {
	if conf.ChunkSize <= 0 {
		conf.ChunkSize = defaultChunkSize
	}
	conn := conf.Connection

	auths, err := authMethods(conn)
	if err != nil {
		return nil, err
	}

	clientConf := &ssh.ClientConfig{
		User:            conn.Username,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         conn.ConnectTimeout,
	}

	netConn, err := dialRemote(ctx, conn, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("transport.Connect: Starting SSH handshake",
		"address", conn.Address(),
		"user", conn.Username,
	)
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, conn.Address(), clientConf)
	if err != nil {
		_ = netConn.Close()
		return nil, classifyHandshakeError(err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, deploy.NewError(deploy.KindConnection, fmt.Errorf("error opening sftp subsystem: %w", err))
	}

	logger.Info("transport.Connect: Session established", "address", conn.Address())
	return &SSH{
		client: sftpClient,
		conn:   client,
		config: conf,
		logger: logger,
	}, nil
}

// authMethods assembles the SSH authentication methods: private key auth is
// attempted first when a key is configured, password auth is the fallback.
func authMethods(conn deploy.Connection) ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod

	if conn.PrivateKeyPath != "" {
		key, err := os.ReadFile(conn.PrivateKeyPath)
		if err != nil {
			return nil, deploy.NewError(deploy.KindAuth, fmt.Errorf("error reading private key: %w", err))
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, deploy.NewError(deploy.KindAuth, fmt.Errorf("error parsing private key: %w", err))
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if conn.Password != "" {
		auths = append(auths, ssh.Password(conn.Password))
	}
	if len(auths) == 0 {
		return nil, deploy.NewErrorf(deploy.KindAuth, "no private key or password configured")
	}
	return auths, nil
}

func classifyHandshakeError(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return deploy.NewError(deploy.KindAuth, err)
	}
	return deploy.NewError(deploy.KindConnection, fmt.Errorf("ssh handshake failed: %w", err))
}

// Upload streams the local file to remotePath in chunks of the configured
// size. onProgress is invoked with the running byte total after each chunk
// has been acknowledged by the remote side. At most one chunk is in flight.
func (t *SSH) Upload(ctx context.Context, localPath, remotePath string, onProgress deploy.ProgressCallback) error {
	local, err := os.Open(localPath)
	if err != nil {
		return deploy.NewError(deploy.KindUpload, fmt.Errorf("error opening local file: %w", err))
	}
	defer local.Close()

	remote, err := t.client.Create(remotePath)
	if err != nil {
		return deploy.NewError(deploy.KindUpload, fmt.Errorf("error creating remote file: %w", err))
	}

	reader := deploy.RateLimitReader(local, t.config.SpeedBytesPerSecond)
	writer := deploy.NewCountWriter(remote)
	writer.SetProgressCallback(onProgress)

	buf := make([]byte, t.config.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			_ = remote.Close()
			return deploy.NewError(deploy.KindUpload, err)
		}

		n, readErr := io.ReadFull(reader, buf)
		if n > 0 {
			if _, err := writer.Write(buf[:n]); err != nil {
				_ = remote.Close()
				return deploy.NewError(deploy.KindUpload, fmt.Errorf("error writing chunk: %w", err))
			}
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			_ = remote.Close()
			return deploy.NewError(deploy.KindUpload, fmt.Errorf("error reading local file: %w", readErr))
		}
	}

	if err := remote.Close(); err != nil {
		return deploy.NewError(deploy.KindUpload, fmt.Errorf("error closing remote file: %w", err))
	}

	t.logger.Info("transport.Upload: Upload complete",
		"localPath", localPath,
		"remotePath", remotePath,
		"bytes", writer.Count(),
	)
	return nil
}

// Execute runs the command on the remote host and blocks until it
// terminates. A non-zero exit status is returned in exitCode and is not
// itself an error; output carries the combined stdout and stderr.
func (t *SSH) Execute(ctx context.Context, command string) (string, int, error) {
	session, err := t.conn.NewSession()
	if err != nil {
		return "", -1, deploy.NewError(deploy.KindConnection, fmt.Errorf("error opening session: %w", err))
	}
	defer session.Close()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-watchCtx.Done()
		_ = session.Close()
	}()

	t.logger.Debug("transport.Execute: Running remote command", "command", command)
	out, err := session.CombinedOutput(command)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitStatus(), nil
		}
		if ctx.Err() != nil {
			return string(out), -1, deploy.NewError(deploy.KindConnection, ctx.Err())
		}
		return string(out), -1, deploy.NewError(deploy.KindConnection, fmt.Errorf("error running remote command: %w", err))
	}
	return string(out), 0, nil
}

// Close closes the SFTP subsystem and the SSH connection.
func (t *SSH) Close() error {
	sftpErr := t.client.Close()
	connErr := t.conn.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return connErr
}
