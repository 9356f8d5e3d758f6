// ============================================================================
// MachaonWeb Scheduler — collaborator interfaces
// ============================================================================
//
// Package: internal/scheduler
// Purpose: The narrow slices of the Persistent State Gateway, Worker
// Transport and Archive & Hash Utilities the scheduler depends on, defined
// locally (accept interfaces, return structs) so the three loops can be
// tested against fakes.
//
// ============================================================================

package scheduler

import (
	"context"
	"time"

	"github.com/anastasiadoulab/machaonweb-coordinator/internal/store"
	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

// Store is the subset of internal/store.Store the scheduler needs.
type Store interface {
	CountActiveNodes(ctx context.Context) (int, error)
	CountIdleNodes(ctx context.Context) (int, error)
	NextPendingRequest(ctx context.Context) (model.QueriedRequest, bool, error)
	FindFulfilled(ctx context.Context, hash string, meta bool, goTerm string) (string, bool, error)
	InsertJob(ctx context.Context, job model.NewJob) (int64, error)
	ListAvailableNodes(ctx context.Context) ([]model.Node, error)
	ClaimNodeForWork(ctx context.Context, id int64) (bool, error)
	SetNodeWorking(ctx context.Context, id int64, working bool) error
	FinalizeJob(ctx context.Context, id int64, secureHash string, status int32) error

	NextRunningJob(ctx context.Context) (store.RunningJob, bool, error)
	UpdateJobCheck(ctx context.Context, id int64) error

	NextStaleNode(ctx context.Context) (model.Node, bool, error)
	UncachedSince(ctx context.Context, excludingNodeID int64, since time.Time) ([]store.UncachedDelta, error)
	UpdateNodeSyncDate(ctx context.Context, id int64) error
}

// Transport is the subset of internal/transport the scheduler needs, scoped
// to a single node dial per call (spec §4.B: "a per-call client factory").
type Transport interface {
	// Probe dials node and returns its reported status_code, or
	// transport.TransportErrorStatus on failure.
	Probe(ctx context.Context, node model.Node) int32
	// StartJob dials node and dispatches req, returning the worker's
	// JobStatus.status_code.
	StartJob(ctx context.Context, node model.Node, req model.JobRequest) int32
	// DownloadResult dials the job's node and streams its result archive to
	// destPath, returning the terminal FileInfo.
	DownloadResult(ctx context.Context, node model.Node, hash string, requestID int64, destPath string) (model.FileInfoResult, error)
	// Synchronize dials node and uploads archivePath preceded by
	// secureHash, returning the worker's reported status_code.
	Synchronize(ctx context.Context, node model.Node, archivePath, secureHash string) (int32, error)
}

// ArchiveOps is the subset of internal/archive the scheduler needs.
type ArchiveOps interface {
	SHA256OfFile(path string) (string, error)
	ExtractByExtension(archivePath, outDir, ext string) error
	ZipDir(src, dst string) error
}
