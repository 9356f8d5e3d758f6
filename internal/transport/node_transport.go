// ============================================================================
// MachaonWeb Worker Transport — node-scoped adapter
// ============================================================================
//
// Package: internal/transport
// Purpose: Adapt the per-call Client/WorkerClient factory (above) to the
// single-node-argument shape internal/scheduler.Transport expects, so each
// scheduler loop dials, calls, and closes a fresh channel per tick without
// repeating the endpoint-construction and error-mapping boilerplate itself
// (spec §4.B: "a per-call client factory").
//
// ============================================================================

package transport

import (
	"context"
	"fmt"

	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

// NodeTransport implements internal/scheduler.Transport: every method dials
// a fresh channel to the given Node, performs one RPC (or one stream), and
// closes the channel before returning.
type NodeTransport struct {
	client *Client
	port   int
}

// NewNodeTransport builds a NodeTransport. port is the fixed gRPC port every
// worker node listens on (spec §6 names no per-node port column; the fleet
// shares one).
func NewNodeTransport(client *Client, port int) *NodeTransport {
	return &NodeTransport{client: client, port: port}
}

func (t *NodeTransport) endpoint(node model.Node) string {
	return fmt.Sprintf("%s:%d", node.IP, t.port)
}

// Probe implements scheduler.Transport.
func (t *NodeTransport) Probe(ctx context.Context, node model.Node) int32 {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	wc, err := t.client.Dial(dialCtx, node.ID, t.endpoint(node), node.Domain)
	if err != nil {
		log.Warn("dial node for status probe failed", "node_id", node.ID, "error", err)
		return TransportErrorStatus
	}
	defer wc.Close()

	return wc.GetStatus(ctx)
}

// StartJob implements scheduler.Transport.
func (t *NodeTransport) StartJob(ctx context.Context, node model.Node, req model.JobRequest) int32 {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	wc, err := t.client.Dial(dialCtx, node.ID, t.endpoint(node), node.Domain)
	if err != nil {
		log.Warn("dial node for start_job failed", "node_id", node.ID, "error", err)
		return TransportErrorStatus
	}
	defer wc.Close()

	_, status := wc.StartJob(ctx, req)
	return status
}

// DownloadResult implements scheduler.Transport.
func (t *NodeTransport) DownloadResult(ctx context.Context, node model.Node, hash string, requestID int64, destPath string) (model.FileInfoResult, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	wc, err := t.client.Dial(dialCtx, node.ID, t.endpoint(node), node.Domain)
	if err != nil {
		return model.FileInfoResult{}, fmt.Errorf("dial node %d for download_result: %w", node.ID, err)
	}
	defer wc.Close()

	return wc.DownloadResult(ctx, hash, requestID, destPath)
}

// Synchronize implements scheduler.Transport.
func (t *NodeTransport) Synchronize(ctx context.Context, node model.Node, archivePath, secureHash string) (int32, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	wc, err := t.client.Dial(dialCtx, node.ID, t.endpoint(node), node.Domain)
	if err != nil {
		return TransportErrorStatus, fmt.Errorf("dial node %d for synchronize: %w", node.ID, err)
	}
	defer wc.Close()

	return wc.Synchronize(ctx, archivePath, secureHash)
}
