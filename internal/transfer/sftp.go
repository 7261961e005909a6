package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"camrelay/internal/logging"
	"camrelay/internal/records"
	"camrelay/internal/services"
)

// SFTPOptions configures an SFTPUploader.
type SFTPOptions struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyPath        string
	KnownHostsPath string
	RemoteDir      string
	Timeout        time.Duration
}

type dialFunc func(ctx context.Context) (*sftp.Client, io.Closer, error)

// SFTPUploader writes artifacts to <remote_dir>/<camera>/<file>. The
// connection is opened lazily and rebuilt after any failed upload.
type SFTPUploader struct {
	opts   SFTPOptions
	logger *slog.Logger
	dial   dialFunc

	mu     sync.Mutex
	client *sftp.Client
	conn   io.Closer
}

// NewSFTPUploader prepares the SSH client configuration. It does not connect.
func NewSFTPUploader(opts SFTPOptions, logger *slog.Logger) (*SFTPUploader, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, services.Wrap(services.ErrConfiguration, "transfer", "new sftp", "host and user are required", nil)
	}
	if opts.Port <= 0 {
		opts.Port = 22
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	u := &SFTPUploader{opts: opts, logger: logging.NewComponentLogger(logger, "transfer-sftp")}
	sshConfig, err := u.clientConfig()
	if err != nil {
		return nil, err
	}
	u.dial = func(ctx context.Context) (*sftp.Client, io.Closer, error) {
		return dialSSH(ctx, net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)), sshConfig)
	}
	return u, nil
}

func (u *SFTPUploader) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if u.opts.KeyPath != "" {
		key, err := os.ReadFile(u.opts.KeyPath)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "transfer", "read key", u.opts.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "transfer", "parse key", u.opts.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if u.opts.Password != "" {
		auth = append(auth, ssh.Password(u.opts.Password))
	}
	if len(auth) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "transfer", "new sftp", "password or key_path is required", nil)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if u.opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(u.opts.KnownHostsPath)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "transfer", "known hosts", u.opts.KnownHostsPath, err)
		}
		hostKeys = cb
	} else {
		logging.WarnWithContext(u.logger, "sftp host key verification disabled", "sftp_insecure_host_key",
			logging.String("host", u.opts.Host),
			logging.String(logging.FieldErrorHint, "set transfer.known_hosts_path"),
			logging.String(logging.FieldImpact, "the remote host identity is not checked"),
		)
	}
	return &ssh.ClientConfig{
		User:            u.opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         u.opts.Timeout,
	}, nil
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*sftp.Client, io.Closer, error) {
	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return sc, client, nil
}

// Upload copies the artifact, replacing any earlier copy of the same file.
func (u *SFTPUploader) Upload(ctx context.Context, artifact records.Artifact) (Receipt, error) {
	start := time.Now()
	remote := path.Join(u.opts.RemoteDir, artifact.Camera, artifact.Name)

	u.mu.Lock()
	defer u.mu.Unlock()

	client, err := u.connectLocked(ctx)
	if err != nil {
		return Receipt{}, services.Wrap(services.ErrTransfer, "transfer", "connect", u.opts.Host, err)
	}

	putCtx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()
	// sftp calls are not context aware; closing the connection unblocks them.
	conn := u.conn
	stop := context.AfterFunc(putCtx, func() { _ = conn.Close() })
	written, err := u.put(client, artifact.Path, remote)
	stop()
	if err != nil {
		u.resetLocked()
		if ctxErr := putCtx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return Receipt{}, services.Wrap(services.ErrTransfer, "transfer", "put", remote, err)
	}

	receipt := Receipt{
		Camera:     artifact.Camera,
		LocalPath:  artifact.Path,
		RemotePath: remote,
		Bytes:      written,
		UploadedAt: time.Now().UTC(),
		Duration:   time.Since(start),
	}
	u.logger.Debug("artifact uploaded",
		logging.String(logging.FieldCamera, artifact.Camera),
		logging.String("remote", remote),
		logging.Int64("bytes", written),
	)
	return receipt, nil
}

func (u *SFTPUploader) put(client *sftp.Client, local, remote string) (int64, error) {
	src, err := os.Open(local)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}
	dst, err := client.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", remote, err)
	}
	written, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	return written, err
}

func (u *SFTPUploader) connectLocked(ctx context.Context) (*sftp.Client, error) {
	if u.client != nil {
		return u.client, nil
	}
	client, conn, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	u.client, u.conn = client, conn
	u.logger.Info("sftp connected", logging.String("host", u.opts.Host), logging.String("remote_dir", u.opts.RemoteDir))
	return client, nil
}

func (u *SFTPUploader) resetLocked() {
	if u.client != nil {
		_ = u.client.Close()
	}
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.client, u.conn = nil, nil
}

// Close drops the current connection.
func (u *SFTPUploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	return nil
}
