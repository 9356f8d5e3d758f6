// ============================================================================
// MachaonWeb Scheduler (three loops)
// ============================================================================
//
// Package: internal/scheduler
// Purpose: Three independent periodic loops sharing only the database:
// fulfill pending requests into jobs, track running jobs to finalization,
// push cache deltas to stale nodes (spec §4.D).
//
// Grounded on internal/controller/controller.go's Start/dispatchLoop/
// resultLoop/timeoutLoop/snapshotLoop shape (teacher): independent
// for { select { case <-ticker.C: ...; case <-stopCh: return } } goroutines
// joined by a sync.WaitGroup, generalized from four loops over an in-memory
// job manager to three loops over the database. Per-loop algorithms are
// grounded on original_source/back/src/monitor/mod.rs (fulfill_request,
// assign_job, check_job, sync_node) literally.
//
// Errors from any unit of work are logged at Warn and swallowed; the loop
// always proceeds to its next tick (spec §4.D, §7).
//
// ============================================================================

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anastasiadoulab/machaonweb-coordinator/internal/metrics"
	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

var log = slog.Default()

// Intervals configures the sleep between ticks of each loop (spec §6:
// REQUEST_MONITORING_INTERVAL, JOB_MONITORING_INTERVAL, NODE_SYNC_INTERVAL).
type Intervals struct {
	FulfillRequest time.Duration
	CheckJob       time.Duration
	SyncNode       time.Duration
}

// Stores holds the three independently constructed Store handles the
// scheduler's loops read and write through. SPEC_FULL.md §12 commits to the
// source's "three independently constructed loop runners" shape: each loop
// owns its own *sqlx.DB handle drawn from a shared *sql.DB connection pool,
// rather than one Store shared across all three goroutines, so the loops
// have no in-process state in common beyond the pool itself and the metrics
// collector.
type Stores struct {
	FulfillRequest Store
	CheckJob       Store
	SyncNode       Store
}

// Scheduler owns the three loops. Each loop is started and stopped
// independently, mirroring the source's "three independently constructed
// loop runners" shape (SPEC_FULL.md §12).
type Scheduler struct {
	stores    Stores
	transport Transport
	archiveOp ArchiveOps
	metrics   *metrics.Collector
	roots     Paths
	intervals Intervals

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Paths names the filesystem roots spec §6 assigns via MONITOR_PATH and
// OUTPUT_PATH.
type Paths struct {
	MonitorRoot string // PDBs_new/, DATA_PDBs_new_whole/, DATA_PDBs_new_domain/
	OutputRoot  string // per-request result directory root
}

// New builds a Scheduler from its three independently constructed stores.
func New(stores Stores, transport Transport, archiveOp ArchiveOps, m *metrics.Collector, roots Paths, intervals Intervals) *Scheduler {
	return &Scheduler{
		stores: stores, transport: transport, archiveOp: archiveOp, metrics: m,
		roots: roots, intervals: intervals, stopCh: make(chan struct{}),
	}
}

// Start launches the three loops as independent goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(3)
	go s.runLoop(ctx, "fulfill_request", s.intervals.FulfillRequest, s.fulfillRequestTick)
	go s.runLoop(ctx, "check_job", s.intervals.CheckJob, s.checkJobTick)
	go s.runLoop(ctx, "sync_node", s.intervals.SyncNode, s.syncNodeTick)
}

// Stop signals every loop to exit and waits for them to finish their current
// unit of work.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := tick(ctx); err != nil {
			log.Warn("scheduler loop error, continuing", "loop", name, "error", err)
		}

		select {
		case <-ticker.C:
			continue
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// candidateListFirstToken extracts the first whitespace-delimited token of
// a joined list_name, the published presentation form on workers (spec
// §4.D.4: "the candidate list name is the first whitespace-delimited token
// of the joined list_name").
func candidateListFirstToken(listName string) string {
	for i, r := range listName {
		if r == ' ' || r == '\t' || r == '\n' {
			return listName[:i]
		}
	}
	return listName
}

// buildJobRequest constructs the JobRequest dispatched to a worker from a
// pending Request (spec §4.D.4).
func buildJobRequest(req model.QueriedRequest) model.JobRequest {
	var structureIDs []string
	if req.CandidatesListID >= 0 {
		structureIDs = []string{req.Reference}
	} else {
		structureIDs = splitCommaList(req.CustomList)
	}

	return model.JobRequest{
		ReferenceID:    req.Reference,
		RequestID:      req.ID,
		ListName:       candidateListFirstToken(req.ListName),
		StructureIDs:   structureIDs,
		MetaAnalysis:   req.Meta,
		GoTerm:         req.GoTerm,
		Hash:           req.HashValue,
		ComparisonMode: req.ComparisonMode,
		SegmentStart:   req.SegmentStart,
		SegmentEnd:     req.SegmentEnd,
		AlignmentLevel: req.AlignmentLevel,
	}
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i, r := range s {
		if r == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
