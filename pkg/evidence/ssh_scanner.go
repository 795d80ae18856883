package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ScanError describes a failed step of a remote workspace scan.
type ScanError struct {
	// Op is the step that failed (configure, connect, session, walk).
	Op string

	// Err is the underlying error.
	Err error

	// IsAuthError marks authentication failures.
	IsAuthError bool

	// IsTemporary marks failures worth retrying.
	IsTemporary bool
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evidence scan %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("evidence scan %s failed", e.Op)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is likely transient.
func (e *ScanError) Temporary() bool {
	return e.IsTemporary
}

// SSHScanner runs the provenance tag scan against a workspace that lives
// on a remote machine, reading the tree over SFTP.
type SSHScanner struct {
	cfg    SSHConfig
	opts   ScanOptions
	logger zerolog.Logger
}

// NewSSHScanner creates a scanner for the remote host described by cfg.
// Zero fields in opts take their defaults.
func NewSSHScanner(logger zerolog.Logger, cfg SSHConfig, opts ScanOptions) *SSHScanner {
	return &SSHScanner{
		cfg:    cfg,
		opts:   opts.Normalized(),
		logger: logger,
	}
}

// Scan implements Scanner over the remote tree rooted at root. The
// connection lives only for the duration of the call.
func (s *SSHScanner) Scan(ctx context.Context, root string, sourceIDs []string) (map[string][]Location, error) {
	found := make(map[string][]Location)
	matchers := compileMatchers(sourceIDs)
	if len(matchers) == 0 {
		return found, nil
	}

	if err := s.cfg.Validate(); err != nil {
		return nil, &ScanError{Op: "configure", Err: err}
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &ScanError{Op: "session", Err: err, IsTemporary: true}
	}
	defer sftpClient.Close()

	// Remote paths are always slash separated.
	cleanRoot := path.Clean(root)
	info, err := sftpClient.Stat(cleanRoot)
	if err != nil {
		return nil, &ScanError{Op: "walk", Err: fmt.Errorf("workspace root %s: %w", cleanRoot, err)}
	}
	if !info.IsDir() {
		return nil, &ScanError{Op: "walk", Err: fmt.Errorf("workspace root %s is not a directory", cleanRoot)}
	}

	skip := makeSkipSet(s.opts.SkipDirs)
	files := 0

	walker := sftpClient.Walk(cleanRoot)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := walker.Err(); err != nil {
			s.logger.Warn().Err(err).Str("path", walker.Path()).Msg("skipping unreadable remote entry")
			continue
		}

		p := walker.Path()
		fi := walker.Stat()
		if fi == nil {
			continue
		}
		if fi.IsDir() {
			if p != cleanRoot && skip[path.Base(p)] {
				walker.SkipDir()
			}
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		if fi.Size() > s.opts.MaxFileSize {
			continue
		}

		data, err := s.readRemoteFile(sftpClient, p)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", p).Msg("skipping unreadable remote file")
			continue
		}
		if looksBinary(data) {
			continue
		}

		files++
		if err := scanContent(data, remoteRel(cleanRoot, p), matchers, found, s.opts.MaxMatchesPerSource); err != nil {
			s.logger.Debug().Err(err).Str("path", p).Msg("scan stopped early in remote file")
		}
	}

	s.logger.Debug().
		Str("host", s.cfg.Host).
		Str("root", cleanRoot).
		Int("files", files).
		Int("sources_found", len(found)).
		Msg("remote workspace scan complete")

	return found, nil
}

// connect dials the remote host, honoring ctx for cancellation even
// though the SSH handshake itself does not take a context.
func (s *SSHScanner) connect(ctx context.Context) (*ssh.Client, error) {
	clientCfg, err := s.cfg.ClientConfig()
	if err != nil {
		return nil, &ScanError{Op: "connect", Err: err}
	}

	if s.cfg.AuthMethod == SSHAuthAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, &ScanError{Op: "connect", Err: errors.New("SSH_AUTH_SOCK is not set"), IsAuthError: true}
		}
		agentConn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, &ScanError{Op: "connect", Err: fmt.Errorf("ssh agent: %w", err), IsAuthError: true}
		}
		// The agent connection only needs to live through the handshake.
		defer agentConn.Close()
		clientCfg.Auth = append(clientCfg.Auth, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	results := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", s.cfg.Address(), clientCfg)
		results <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		// Reap the connection if the dial eventually succeeds.
		go func() {
			if res := <-results; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, &ScanError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case res := <-results:
		if res.err != nil {
			return nil, classifyConnectError(res.err)
		}
		s.logger.Debug().Str("host", s.cfg.Host).Str("user", s.cfg.User).Msg("connected to remote workspace")
		return res.client, nil
	}
}

func (s *SSHScanner) readRemoteFile(client *sftp.Client, p string) ([]byte, error) {
	f, err := client.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, s.opts.MaxFileSize))
}

// remoteRel makes p relative to root. The walker only yields paths under
// root, so a plain prefix trim is enough.
func remoteRel(root, p string) string {
	rel := strings.TrimPrefix(p, root)
	return strings.TrimPrefix(rel, "/")
}

func classifyConnectError(err error) *ScanError {
	scanErr := &ScanError{Op: "connect", Err: err}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		scanErr.IsTemporary = true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		scanErr.IsTemporary = true
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		scanErr.IsAuthError = true
		scanErr.IsTemporary = false
	}

	return scanErr
}
