// Package filerelay implements the separate streaming TCP channel for
// binary file transfer. Each accepted connection serves exactly one
// upload or download and then closes; the blob bytes live only in memory
// for the life of the process, while metadata is durable via the store.
package filerelay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"shadownexus/internal/store"
)

const transferDeadline = 5 * time.Minute

// envelope covers both the upload and download first-frame shapes; which
// fields are populated tells serveConn which operation this connection is.
type envelope struct {
	FileName  string `json:"file_name,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	Sender    string `json:"sender,omitempty"`
	FileID    string `json:"file_id,omitempty"`
	Requester string `json:"requester,omitempty"`

	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Relay is the File Relay singleton.
type Relay struct {
	store *store.Store
	log   *slog.Logger

	mu    sync.RWMutex
	blobs map[string][]byte
}

// New constructs a Relay bound to the given store.
func New(st *store.Store, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{store: st, log: log.With("component", "filerelay"), blobs: make(map[string][]byte)}
}

// Run accepts connections on addr until ctx is canceled.
func (r *Relay) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("filerelay: listen %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("filerelay: unexpected listener type %T", ln)
	}
	defer tcpLn.Close()

	r.log.Info("listening", "addr", addr)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = tcpLn.SetDeadline(time.Now().Add(time.Second))
		conn, err := tcpLn.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("accept failed", "err", err)
			continue
		}
		go r.serveConn(conn)
	}
}

func (r *Relay) serveConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(transferDeadline))

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}
	line = []byte(strings.TrimRight(string(line), "\r\n"))

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		r.log.Warn("malformed first frame", "err", err)
		return
	}

	switch {
	case env.FileName != "":
		r.handleUpload(conn, reader, env)
	case env.FileID != "":
		r.handleDownload(conn, reader, env)
	default:
		r.log.Warn("first frame is neither upload nor download")
	}
}

func (r *Relay) handleUpload(conn net.Conn, reader *bufio.Reader, env envelope) {
	id := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), env.FileName)
	rec := store.FileRecord{
		ID:        id,
		Name:      env.FileName,
		Size:      env.FileSize,
		Sender:    env.Sender,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Complete:  env.FileSize == 0,
	}
	r.store.PutFile(rec)

	if err := writeLine(conn, envelope{Status: "ready", FileID: id}); err != nil {
		return
	}

	if env.FileSize == 0 {
		r.setBlob(id, nil)
		return
	}

	buf := make([]byte, env.FileSize)
	n, err := io.ReadFull(reader, buf)
	if err != nil {
		r.log.Warn("short upload, record left incomplete", "file_id", id, "got", n, "want", env.FileSize, "err", err)
		return
	}
	r.setBlob(id, buf)
	rec.Complete = true
	r.store.PutFile(rec)
}

func (r *Relay) handleDownload(conn net.Conn, reader *bufio.Reader, env envelope) {
	rec, ok := r.store.GetFile(env.FileID)
	if !ok {
		_ = writeLine(conn, envelope{Status: "error", Message: "File not found"})
		return
	}
	if err := writeLine(conn, envelope{Status: "sending", FileName: rec.Name, FileSize: rec.Size}); err != nil {
		return
	}
	if _, err := reader.ReadBytes('\n'); err != nil {
		return // client never acknowledged
	}
	blob := r.getBlob(env.FileID)
	_, _ = conn.Write(blob)
}

func (r *Relay) setBlob(id string, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blobs[id] = b
}

func (r *Relay) getBlob(id string) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blobs[id]
}

func writeLine(w io.Writer, env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
