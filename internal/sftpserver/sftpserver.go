// Package sftpserver implements the embedded push-ingestion listener:
// webcams configured for FTP/SFTP push authenticate over SSH and write
// frames into a per-camera landing directory, where an acquisition
// strategy (internal/acquisition's PushIngester) later picks them up.
package sftpserver

import (
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/aviationwx/hub/internal/logger"
)

// Credential binds one push username/password pair to the landing
// directory its uploads are written into.
type Credential struct {
	Username  string
	Password  string
	Directory string
}

// Config configures the embedded SFTP listener.
type Config struct {
	ListenAddr  string
	HostKeyPath string
	Credentials []Credential

	// MaxUploadBytes caps a single upload's size; writes beyond this are
	// aborted rather than silently truncated.
	MaxUploadBytes int64
}

// Server accepts SSH connections and serves the SFTP subsystem,
// scoping each authenticated session to its credential's landing
// directory.
type Server struct {
	cfg       Config
	sshConfig *ssh.ServerConfig
	listener  net.Listener
	log       *logger.Logger

	mu      sync.Mutex
	dirByUser map[string]string
}

// New builds a Server from cfg, loading or generating the host key.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:2222"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 * 1024 * 1024
	}
	if len(cfg.Credentials) == 0 {
		return nil, fmt.Errorf("at least one push credential is required")
	}

	s := &Server{cfg: cfg, log: logger.Default().With("component", "sftp_server"), dirByUser: map[string]string{}}
	for _, c := range cfg.Credentials {
		if c.Username == "" || c.Directory == "" {
			return nil, fmt.Errorf("credential missing username or directory")
		}
		if err := os.MkdirAll(c.Directory, 0755); err != nil {
			return nil, fmt.Errorf("create landing dir %s: %w", c.Directory, err)
		}
		s.dirByUser[c.Username] = c.Directory
	}

	signer, err := loadOrCreateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback: s.authenticate,
	}
	sshConfig.AddHostKey(signer)
	s.sshConfig = sshConfig

	return s, nil
}

func (s *Server) authenticate(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	for _, c := range s.cfg.Credentials {
		if c.Username == conn.User() && c.Password == string(password) {
			return &ssh.Permissions{Extensions: map[string]string{"landing_dir": c.Directory}}, nil
		}
	}
	return nil, fmt.Errorf("authentication rejected for %q", conn.User())
}

// ListenAndServe blocks accepting connections until the listener is
// closed via Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.log.Info("sftp push listener started", "addr", s.cfg.ListenAddr)

	for {
		nConn, err := ln.Accept()
		if err != nil {
			if s.listener == nil {
				return nil // Close() called
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConn(nConn)
	}
}

func (s *Server) Close() error {
	ln := s.listener
	s.listener = nil
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handleConn(nConn net.Conn) {
	defer nConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(nConn, s.sshConfig)
	if err != nil {
		s.log.Warn("ssh handshake failed", "remote", nConn.RemoteAddr(), "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	landingDir := sshConn.Permissions.Extensions["landing_dir"]

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log.Warn("channel accept failed", "error", err)
			continue
		}
		go s.serveSession(channel, requests, landingDir)
	}
}

func (s *Server) serveSession(channel ssh.Channel, requests <-chan *ssh.Request, landingDir string) {
	defer channel.Close()

	for req := range requests {
		ok := req.Type == "subsystem" && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			req.Reply(ok, nil)
		}
		if !ok {
			continue
		}

		root := &scopedHandler{root: landingDir, maxUploadBytes: s.cfg.MaxUploadBytes, log: s.log}
		server := sftp.NewRequestServer(channel, sftp.Handlers{
			FileGet:  root,
			FilePut:  root,
			FileCmd:  root,
			FileList: root,
		})
		if err := server.Serve(); err != nil && err != io.EOF {
			s.log.Warn("sftp session ended with error", "error", err)
		}
		server.Close()
		return
	}
}

// scopedHandler implements sftp.Handlers, confining every operation to
// root regardless of what absolute path the client requests — pushed
// cameras only ever see their own landing directory.
type scopedHandler struct {
	root           string
	maxUploadBytes int64
	log            *logger.Logger
}

func (h *scopedHandler) resolve(reqPath string) string {
	clean := path.Clean("/" + reqPath)
	return filepath.Join(h.root, filepath.FromSlash(clean))
}

func (h *scopedHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return os.Open(h.resolve(r.Filepath))
}

func (h *scopedHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	dest := h.resolve(r.Filepath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, err
	}
	tmp := dest + fmt.Sprintf(".tmp.%d", time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &boundedRenamingWriter{file: f, tmpPath: tmp, finalPath: dest, maxBytes: h.maxUploadBytes}, nil
}

func (h *scopedHandler) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Mkdir":
		return os.MkdirAll(h.resolve(r.Filepath), 0755)
	case "Remove":
		return os.Remove(h.resolve(r.Filepath))
	case "Rename":
		return os.Rename(h.resolve(r.Filepath), h.resolve(r.Target))
	default:
		return nil
	}
}

func (h *scopedHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := os.ReadDir(h.resolve(r.Filepath))
		if err != nil {
			return nil, err
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			info, err := e.Info()
			if err == nil {
				infos = append(infos, info)
			}
		}
		return listerAt(infos), nil
	case "Stat":
		info, err := os.Stat(h.resolve(r.Filepath))
		if err != nil {
			return nil, err
		}
		return listerAt([]os.FileInfo{info}), nil
	default:
		return nil, fmt.Errorf("unsupported list method %q", r.Method)
	}
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// boundedRenamingWriter completes an upload with the same tmp-then-rename
// atomicity the rest of this codebase uses for on-disk writes, and
// aborts once a client exceeds the configured upload size ceiling.
type boundedRenamingWriter struct {
	file      *os.File
	tmpPath   string
	finalPath string
	maxBytes  int64
	written   int64
	mu        sync.Mutex
}

func (w *boundedRenamingWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if off+int64(len(p)) > w.maxBytes {
		return 0, fmt.Errorf("upload exceeds maximum size of %d bytes", w.maxBytes)
	}
	n, err := w.file.WriteAt(p, off)
	if off+int64(n) > w.written {
		w.written = off + int64(n)
	}
	return n, err
}

func (w *boundedRenamingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return err
	}
	return os.Rename(w.tmpPath, w.finalPath)
}

func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return ssh.ParsePrivateKey(data)
		}
	}

	key, err := generateEd25519PEM()
	if err != nil {
		return nil, err
	}
	if path != "" {
		_ = os.WriteFile(path, key, 0600)
	}
	return ssh.ParsePrivateKey(key)
}
