// ============================================================================
// MachaonWeb Worker Transport
// ============================================================================
//
// Package: internal/transport
// Purpose: mTLS gRPC client to a worker node: status probe, job start,
// streamed result download with file writer, streamed cache upload.
//
// Every call below establishes a fresh channel (spec §4.B: "a per-call
// client factory given (endpoint_url, sni_domain). Every call establishes a
// fresh channel"), configured with mutual TLS: a fixed CA certificate, a
// client certificate, and a client key loaded once at construction and
// reused for every node the coordinator dials. The server name used for
// certificate verification is the Node's domain, not its IP (SNI).
//
// All RPCs surface transport errors to the caller as explicit status -1; no
// retry is built into this layer (spec §4.B, last paragraph).
//
// ============================================================================

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/anastasiadoulab/machaonweb-coordinator/internal/transport/jobreceiver"
	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var log = slog.Default()

// TransportErrorStatus is returned by every method here when the RPC itself
// fails (connection refused, TLS handshake failure, deadline exceeded, ...),
// per spec §4.B.
const TransportErrorStatus int32 = -1

// Credentials holds the mutual TLS material shared by every node dial: a CA
// certificate used to verify the worker's server certificate, and the
// coordinator's own client certificate/key presented to the worker. Spec §6:
// loaded from MTLS_CERTS_PATH/{machaonlocalca.cert,node0.cert,node0.key}.
type Credentials struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// LoadCredentials reads the CA/cert/key files named by c and builds a
// reusable tls.Config template; the ServerName field is set per-dial since
// it varies by node (the SNI domain).
func LoadCredentials(c Credentials) (*tls.Config, error) {
	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read mtls ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("mtls ca cert %s contains no usable certificates", c.CAFile)
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load mtls client cert/key: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Client is a per-call factory: Dial opens a fresh channel to a single node
// and returns a WorkerClient scoped to that channel's lifetime.
type Client struct {
	tlsTemplate *tls.Config
}

// NewClient builds a Client from pre-loaded mTLS credentials.
func NewClient(tlsTemplate *tls.Config) *Client {
	return &Client{tlsTemplate: tlsTemplate}
}

// WorkerClient is a single fresh channel to one node, closed by the caller
// via Close when the call sequence is done.
type WorkerClient struct {
	conn  *grpc.ClientConn
	rpc   jobreceiver.Client
	nodeID int64
}

// Dial establishes a fresh mTLS channel to endpoint, verifying the server
// certificate against sniDomain (the Node's domain column, per spec §4.B).
func (c *Client) Dial(ctx context.Context, nodeID int64, endpoint, sniDomain string) (*WorkerClient, error) {
	cfg := c.tlsTemplate.Clone()
	cfg.ServerName = sniDomain

	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
	if err != nil {
		return nil, fmt.Errorf("dial node %d at %s: %w", nodeID, endpoint, err)
	}

	return &WorkerClient{conn: conn, rpc: jobreceiver.NewClient(conn), nodeID: nodeID}, nil
}

// Close releases the channel.
func (w *WorkerClient) Close() error {
	return w.conn.Close()
}

// GetStatus probes the worker. Returns -1 on transport failure; otherwise
// the worker's reported status_code (1 = idle-ready per spec §4.B.1).
func (w *WorkerClient) GetStatus(ctx context.Context) int32 {
	resp, err := w.rpc.GetStatus(ctx, &jobreceiver.StatusRequest{})
	if err != nil {
		log.Warn("worker status probe failed", "node_id", w.nodeID, "error", err)
		return TransportErrorStatus
	}
	return resp.StatusCode
}

// StartJob dispatches a job to the worker. Returns the worker's JobStatus,
// or a synthetic status of -1 on transport failure (spec §4.B.2).
func (w *WorkerClient) StartJob(ctx context.Context, req model.JobRequest) (int64, int32) {
	resp, err := w.rpc.StartJob(ctx, &jobreceiver.JobRequest{
		ReferenceID:    req.ReferenceID,
		RequestID:      req.RequestID,
		ListName:       req.ListName,
		StructureIDs:   req.StructureIDs,
		MetaAnalysis:   req.MetaAnalysis,
		GoTerm:         req.GoTerm,
		Hash:           req.Hash,
		ComparisonMode: req.ComparisonMode,
		SegmentStart:   req.SegmentStart,
		SegmentEnd:     req.SegmentEnd,
		AlignmentLevel: req.AlignmentLevel,
	})
	if err != nil {
		log.Warn("worker start_job failed", "node_id", w.nodeID, "request_id", req.RequestID, "error", err)
		return req.RequestID, TransportErrorStatus
	}
	return resp.RequestID, resp.StatusCode
}

// DownloadResult streams a result archive for (hash, requestID) into
// destPath and returns the terminal FileInfo.
//
// The destination is opened O_TRUNC: spec §9 documents the source's
// append-or-create behavior as a latent bug ("a second attempt will
// concatenate, making hash verification impossible... a port should
// truncate") — this is the one place the spec asks a port to fix rather
// than reproduce, so the file is guaranteed empty before the first chunk is
// written.
func (w *WorkerClient) DownloadResult(ctx context.Context, hash string, requestID int64, destPath string) (model.FileInfoResult, error) {
	var result model.FileInfoResult

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return result, fmt.Errorf("create download destination dir: %w", err)
	}

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return result, fmt.Errorf("open download destination: %w", err)
	}
	defer f.Close()

	stream, err := w.rpc.DownloadResult(ctx, &jobreceiver.ResultRequest{Hash: hash, RequestID: requestID})
	if err != nil {
		return result, fmt.Errorf("open download_result stream: %w", err)
	}

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("download_result stream recv: %w", err)
		}
		if msg.FileInfo == nil && len(msg.ChunkData) == 0 {
			// empty variant terminates the stream (spec §4.B.3)
			break
		}
		if msg.FileInfo != nil {
			result = model.FileInfoResult{
				RequestID:  msg.FileInfo.RequestID,
				Hash:       msg.FileInfo.Hash,
				SecureHash: msg.FileInfo.SecureHash,
				StatusCode: msg.FileInfo.StatusCode,
			}
			continue
		}
		if _, err := f.Write(msg.ChunkData); err != nil {
			return result, fmt.Errorf("write downloaded chunk: %w", err)
		}
	}

	return result, nil
}

// Synchronize uploads archivePath to the worker, preceded by its secureHash,
// 1 KiB at a time, per spec §4.B.4.
func (w *WorkerClient) Synchronize(ctx context.Context, archivePath, secureHash string) (int32, error) {
	stream, err := w.rpc.Synchronize(ctx)
	if err != nil {
		return TransportErrorStatus, fmt.Errorf("open synchronize stream: %w", err)
	}

	if err := stream.Send(&jobreceiver.UncachedData{SecureHash: secureHash}); err != nil {
		return TransportErrorStatus, fmt.Errorf("send secure hash: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return TransportErrorStatus, fmt.Errorf("open sync archive: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 1024)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := stream.Send(&jobreceiver.UncachedData{ChunkData: chunk}); err != nil {
				return TransportErrorStatus, fmt.Errorf("send chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return TransportErrorStatus, fmt.Errorf("read sync archive: %w", readErr)
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return TransportErrorStatus, fmt.Errorf("synchronize close: %w", err)
	}
	return resp.StatusCode, nil
}

// DialTimeout is the deadline of the context each NodeTransport method
// passes to Client.Dial. Dial does not use that context (grpc.NewClient
// connects lazily), so this deadline bounds neither the connection attempt
// nor the RPC that follows, which runs under the caller's context.
const DialTimeout = 10 * time.Second
