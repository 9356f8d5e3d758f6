// ============================================================================
// MachaonWeb Scheduler — loop bodies (fulfill_request, check_job, sync_node)
// ============================================================================
//
// Package: internal/scheduler
// Purpose: The three per-tick units of work runLoop calls on a ticker (spec
// §4.D). Grounded literally on original_source/back/src/monitor/mod.rs's
// fulfill_request/assign_job/check_job/sync_node.
//
// Both "reproduce, do not guess intent" bugs named in spec §9 are carried
// over unchanged: assign_job's catastrophic branch finalizes the *Request*
// id as if it were a Job id, and sync_node copies domain-level feature files
// into the *whole* temp subdirectory instead of the domain one.
//
// ============================================================================

package scheduler

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/anastasiadoulab/machaonweb-coordinator/internal/store"
	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

// assignJobAttempts is the bounded retry count spec §4.D's assign_job uses
// to avoid livelock when every probed node transiently rejects dispatch.
const assignJobAttempts = 3

// probeRetryDelay is the sleep between a failed status probe and the next
// attempt within assignJob.
const probeRetryDelay = 15 * time.Second

// fulfillRequestTick is Loop 1 (spec §4.D): picks the oldest pending
// request, reuses a prior archive on a fingerprint match, or dispatches a
// fresh job.
func (s *Scheduler) fulfillRequestTick(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.ObserveLoopDuration("fulfill_request", time.Since(start).Seconds()) }()

	activeCount, err := s.stores.FulfillRequest.CountActiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("count active nodes: %w", err)
	}
	idleCount, err := s.stores.FulfillRequest.CountIdleNodes(ctx)
	if err != nil {
		return fmt.Errorf("count idle nodes: %w", err)
	}
	s.metrics.SetNodeCounts(activeCount, idleCount)
	if idleCount == 0 {
		return nil
	}

	req, ok, err := s.stores.FulfillRequest.NextPendingRequest(ctx)
	if err != nil {
		return fmt.Errorf("next pending request: %w", err)
	}
	if !ok || req.ID < 0 {
		return nil
	}

	secureHash, reused, err := s.stores.FulfillRequest.FindFulfilled(ctx, req.HashValue, req.Meta, req.GoTerm)
	if err != nil {
		return fmt.Errorf("find fulfilled job for request %d: %w", req.ID, err)
	}
	if reused {
		completion := time.Now().UTC()
		if _, err := s.stores.FulfillRequest.InsertJob(ctx, model.NewJob{
			RequestID:      req.ID,
			NodeID:         -1,
			StatusCode:     0,
			CompletionDate: &completion,
			SecureHash:     secureHash,
		}); err != nil {
			return fmt.Errorf("insert reuse job for request %d: %w", req.ID, err)
		}
		s.metrics.RecordReuse()
		log.Info("request fulfilled via reuse", "request_id", req.ID, "secure_hash", secureHash)
		return nil
	}

	return s.assignJob(ctx, req)
}

// assignJob implements spec §4.D's assign_job: up to 3 attempts to find an
// idle node, probe it, and dispatch the job.
func (s *Scheduler) assignJob(ctx context.Context, req model.QueriedRequest) error {
	nodes, err := s.stores.FulfillRequest.ListAvailableNodes(ctx)
	if err != nil {
		return fmt.Errorf("list available nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil
	}

	jobReq := buildJobRequest(req)

	for attempt := 0; attempt < assignJobAttempts; attempt++ {
		node := nodes[rand.Intn(len(nodes))]

		status := s.transport.Probe(ctx, node)
		if status != 1 {
			select {
			case <-time.After(probeRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		startStatus := s.transport.StartJob(ctx, node, jobReq)
		switch startStatus {
		case 0:
			claimed, err := s.stores.FulfillRequest.ClaimNodeForWork(ctx, node.ID)
			if err != nil {
				return fmt.Errorf("claim node %d: %w", node.ID, err)
			}
			if !claimed {
				// Lost the race to another caller between selection and
				// claim; treat this node as unavailable this attempt.
				continue
			}
			if _, err := s.stores.FulfillRequest.InsertJob(ctx, model.NewJob{
				RequestID:  req.ID,
				NodeID:     node.ID,
				StatusCode: 0,
			}); err != nil {
				return fmt.Errorf("insert running job for request %d: %w", req.ID, err)
			}
			s.metrics.RecordDispatch()
			log.Info("job assigned", "request_id", req.ID, "node_id", node.ID)
			return nil

		case 1, 2:
			// Node busy/transient; continue retrying without sleeping
			// (spec §4.D: "do nothing and continue retrying").
			continue

		default:
			completion := time.Now().UTC()
			if _, err := s.stores.FulfillRequest.InsertJob(ctx, model.NewJob{
				RequestID:      req.ID,
				NodeID:         node.ID,
				StatusCode:     startStatus,
				CompletionDate: &completion,
			}); err != nil {
				return fmt.Errorf("insert terminal job for request %d: %w", req.ID, err)
			}
			// Bug preserved from the source (spec §9): finalize_job is
			// addressed with the Request id, not the Job id just inserted.
			if err := s.stores.FulfillRequest.FinalizeJob(ctx, req.ID, "", startStatus); err != nil {
				return fmt.Errorf("finalize request %d after catastrophic start_job: %w", req.ID, err)
			}
			if err := s.stores.FulfillRequest.SetNodeWorking(ctx, node.ID, false); err != nil {
				return fmt.Errorf("release node %d: %w", node.ID, err)
			}
			s.metrics.RecordFinalized(startStatus)
			return nil
		}
	}

	return nil
}

// checkJobTick is Loop 2 (spec §4.D): probes a random running job's node,
// downloads and verifies its result archive, extracts it, and finalizes.
func (s *Scheduler) checkJobTick(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.ObserveLoopDuration("check_job", time.Since(start).Seconds()) }()

	job, ok, err := s.stores.CheckJob.NextRunningJob(ctx)
	if err != nil {
		return fmt.Errorf("next running job: %w", err)
	}
	if !ok {
		return nil
	}

	node := model.Node{ID: job.NodeID, IP: job.NodeIP, Domain: job.NodeDomain}

	status := s.transport.Probe(ctx, node)
	if status != 1 {
		if err := s.stores.CheckJob.UpdateJobCheck(ctx, job.ID); err != nil {
			return fmt.Errorf("update job check for job %d: %w", job.ID, err)
		}
		return nil
	}

	destPath := filepath.Join(s.roots.MonitorRoot, job.RequestHash+".zip")
	fileInfo, err := s.transport.DownloadResult(ctx, node, job.RequestHash, job.RequestID, destPath)
	if err != nil {
		return fmt.Errorf("download result for job %d: %w", job.ID, err)
	}

	finished := false
	computedHash := ""

	if fileInfo.StatusCode == 0 {
		computedHash, err = s.archiveOp.SHA256OfFile(destPath)
		if err != nil {
			return fmt.Errorf("hash downloaded archive for job %d: %w", job.ID, err)
		}

		if computedHash != fileInfo.SecureHash {
			// Integrity failure (spec §7): the job stays non-terminal, no
			// finalize, the downloaded file is NOT deleted — the next tick
			// re-downloads and retries.
			log.Warn("downloaded archive failed integrity check, leaving job non-terminal",
				"job_id", job.ID, "expected_hash", fileInfo.SecureHash, "computed_hash", computedHash)
			return nil
		}

		finished = true
		if err := s.extractResult(job, destPath); err != nil {
			return fmt.Errorf("extract result for job %d: %w", job.ID, err)
		}
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("remove downloaded archive for job %d: %w", job.ID, err)
		}
	}

	if finished || fileInfo.StatusCode == int32(model.JobWorkerFailure) || fileInfo.StatusCode == int32(model.JobIntegrityFailure) {
		code := fileInfo.StatusCode
		secureHash := ""
		if finished {
			code = 0
			secureHash = computedHash
		}
		if err := s.stores.CheckJob.FinalizeJob(ctx, job.ID, secureHash, code); err != nil {
			return fmt.Errorf("finalize job %d: %w", job.ID, err)
		}
		if err := s.stores.CheckJob.SetNodeWorking(ctx, job.NodeID, false); err != nil {
			return fmt.Errorf("release node %d: %w", job.NodeID, err)
		}
		s.metrics.RecordFinalized(code)
		log.Info("job finalized", "job_id", job.ID, "status_code", code)
	}

	return nil
}

// extractResult implements spec §4.D.5.b's selective extraction: inner
// result archives (re-extracted for their .html views), .pdb structures,
// and .proto feature records routed by comparison mode.
func (s *Scheduler) extractResult(job store.RunningJob, archivePath string) error {
	outDir := filepath.Join(s.roots.OutputRoot, job.RequestHash)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	if err := s.archiveOp.ExtractByExtension(archivePath, outDir, ".zip"); err != nil {
		return fmt.Errorf("extract inner archives: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("read output dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zip" {
			continue
		}
		innerPath := filepath.Join(outDir, entry.Name())
		if err := s.archiveOp.ExtractByExtension(innerPath, outDir, ".html"); err != nil {
			return fmt.Errorf("extract inner archive %s: %w", entry.Name(), err)
		}
	}

	pdbDir := filepath.Join(s.roots.MonitorRoot, "PDBs_new")
	if err := os.MkdirAll(pdbDir, 0o755); err != nil {
		return fmt.Errorf("create pdb dir: %w", err)
	}
	if err := s.archiveOp.ExtractByExtension(archivePath, pdbDir, ".pdb"); err != nil {
		return fmt.Errorf("extract pdb files: %w", err)
	}

	var featureDir string
	switch job.ComparisonMode {
	case 0:
		featureDir = filepath.Join(s.roots.MonitorRoot, "DATA_PDBs_new_whole")
	case 1:
		featureDir = filepath.Join(s.roots.MonitorRoot, "DATA_PDBs_new_domain")
	default:
		// Modes other than 0/1 extract no feature files (spec §4.D.5.b).
		return nil
	}
	if err := os.MkdirAll(featureDir, 0o755); err != nil {
		return fmt.Errorf("create feature dir: %w", err)
	}
	return s.archiveOp.ExtractByExtension(archivePath, featureDir, ".proto")
}

// syncNodeTick is Loop 3 (spec §4.D): stages a per-node delta archive of
// newly-cached structures and pushes it to the stalest idle node.
func (s *Scheduler) syncNodeTick(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.ObserveLoopDuration("sync_node", time.Since(start).Seconds()) }()

	node, ok, err := s.stores.SyncNode.NextStaleNode(ctx)
	if err != nil {
		return fmt.Errorf("next stale node: %w", err)
	}
	if !ok {
		return nil
	}

	deltas, err := s.stores.SyncNode.UncachedSince(ctx, node.ID, node.SyncDate)
	if err != nil {
		return fmt.Errorf("uncached since for node %d: %w", node.ID, err)
	}
	if len(deltas) == 0 {
		return nil
	}

	tempDir := filepath.Join(s.roots.MonitorRoot, uuid.NewString())
	archivePath := tempDir + ".zip"
	defer func() {
		_ = os.RemoveAll(tempDir)
		_ = os.Remove(archivePath)
	}()

	pdbsDir := filepath.Join(tempDir, "PDBs_new")
	wholeDir := filepath.Join(tempDir, "DATA_PDBs_new_whole")
	domainDir := filepath.Join(tempDir, "DATA_PDBs_new_domain")
	for _, dir := range []string{pdbsDir, wholeDir, domainDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create staging dir %s: %w", dir, err)
		}
	}

	srcPDBs := filepath.Join(s.roots.MonitorRoot, "PDBs_new")
	srcWhole := filepath.Join(s.roots.MonitorRoot, "DATA_PDBs_new_whole")
	srcDomain := filepath.Join(s.roots.MonitorRoot, "DATA_PDBs_new_domain")

	for _, delta := range deltas {
		for _, id := range store.SplitUncached(delta.Uncached) {
			pdbSrc := filepath.Join(srcPDBs, id+".pdb")
			if _, statErr := os.Stat(pdbSrc); statErr == nil {
				if err := copyFile(pdbSrc, filepath.Join(pdbsDir, id+".pdb")); err != nil {
					return fmt.Errorf("stage pdb for %s: %w", id, err)
				}
			}

			wholeMatches, err := filepath.Glob(filepath.Join(srcWhole, id+"*"))
			if err != nil {
				return fmt.Errorf("glob whole features for %s: %w", id, err)
			}
			for _, m := range wholeMatches {
				if err := copyFile(m, filepath.Join(wholeDir, filepath.Base(m))); err != nil {
					return fmt.Errorf("stage whole feature %s: %w", m, err)
				}
			}

			domainMatches, err := filepath.Glob(filepath.Join(srcDomain, id+"*"))
			if err != nil {
				return fmt.Errorf("glob domain features for %s: %w", id, err)
			}
			for _, m := range domainMatches {
				// Bug preserved from the source (spec §9): domain-level
				// feature files land in the WHOLE temp subdirectory, not
				// the domain one.
				if err := copyFile(m, filepath.Join(wholeDir, filepath.Base(m))); err != nil {
					return fmt.Errorf("stage domain feature %s: %w", m, err)
				}
			}
		}
	}

	if err := s.archiveOp.ZipDir(tempDir, archivePath); err != nil {
		return fmt.Errorf("zip sync archive: %w", err)
	}

	secureHash, err := s.archiveOp.SHA256OfFile(archivePath)
	if err != nil {
		return fmt.Errorf("hash sync archive: %w", err)
	}

	syncStatus, err := s.transport.Synchronize(ctx, node, archivePath, secureHash)
	if err != nil {
		s.metrics.RecordSync("error")
		return fmt.Errorf("synchronize node %d: %w", node.ID, err)
	}

	if syncStatus == 0 {
		if err := s.stores.SyncNode.UpdateNodeSyncDate(ctx, node.ID); err != nil {
			return fmt.Errorf("update sync date for node %d: %w", node.ID, err)
		}
		s.metrics.RecordSync("ok")
		log.Info("node synced", "node_id", node.ID)
	} else {
		s.metrics.RecordSync("rejected")
		log.Warn("node rejected sync archive", "node_id", node.ID, "status", syncStatus)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
