package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasiadoulab/machaonweb-coordinator/internal/metrics"
	"github.com/anastasiadoulab/machaonweb-coordinator/internal/store"
	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

// Prometheus uses a process-global default registry, so every test in this
// package shares one Collector to avoid a duplicate-registration panic.
var (
	testMetricsOnce sync.Once
	testMetrics     *metrics.Collector
)

func sharedMetrics() *metrics.Collector {
	testMetricsOnce.Do(func() { testMetrics = metrics.NewCollector() })
	return testMetrics
}

type fakeStore struct {
	activeCount int
	activeErr   error

	idleCount int
	idleErr   error

	pendingReq model.QueriedRequest
	pendingOK  bool
	pendingErr error

	fulfilledHash   string
	fulfilledFound  bool
	fulfilledErr    error

	availableNodes []model.Node
	nodesErr       error

	claimResult map[int64]bool
	claimErr    error

	insertedJobs []model.NewJob
	insertErr    error

	setWorkingCalls []int64
	setWorkingErr   error

	finalizeCalls []finalizeCall
	finalizeErr   error

	runningJob    store.RunningJob
	runningJobOK  bool
	runningJobErr error

	jobCheckCalls []int64
	jobCheckErr   error

	staleNode   model.Node
	staleNodeOK bool
	staleErr    error

	uncachedDeltas []store.UncachedDelta
	uncachedErr    error

	syncDateCalls []int64
	syncDateErr   error
}

type finalizeCall struct {
	id         int64
	secureHash string
	status     int32
}

func (f *fakeStore) CountActiveNodes(ctx context.Context) (int, error) {
	return f.activeCount, f.activeErr
}

func (f *fakeStore) CountIdleNodes(ctx context.Context) (int, error) { return f.idleCount, f.idleErr }

func (f *fakeStore) NextPendingRequest(ctx context.Context) (model.QueriedRequest, bool, error) {
	return f.pendingReq, f.pendingOK, f.pendingErr
}

func (f *fakeStore) FindFulfilled(ctx context.Context, hash string, meta bool, goTerm string) (string, bool, error) {
	return f.fulfilledHash, f.fulfilledFound, f.fulfilledErr
}

func (f *fakeStore) InsertJob(ctx context.Context, job model.NewJob) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.insertedJobs = append(f.insertedJobs, job)
	return int64(len(f.insertedJobs)), nil
}

func (f *fakeStore) ListAvailableNodes(ctx context.Context) ([]model.Node, error) {
	return f.availableNodes, f.nodesErr
}

func (f *fakeStore) ClaimNodeForWork(ctx context.Context, id int64) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.claimResult == nil {
		return true, nil
	}
	return f.claimResult[id], nil
}

func (f *fakeStore) SetNodeWorking(ctx context.Context, id int64, working bool) error {
	f.setWorkingCalls = append(f.setWorkingCalls, id)
	return f.setWorkingErr
}

func (f *fakeStore) FinalizeJob(ctx context.Context, id int64, secureHash string, status int32) error {
	f.finalizeCalls = append(f.finalizeCalls, finalizeCall{id: id, secureHash: secureHash, status: status})
	return f.finalizeErr
}

func (f *fakeStore) NextRunningJob(ctx context.Context) (store.RunningJob, bool, error) {
	return f.runningJob, f.runningJobOK, f.runningJobErr
}

func (f *fakeStore) UpdateJobCheck(ctx context.Context, id int64) error {
	f.jobCheckCalls = append(f.jobCheckCalls, id)
	return f.jobCheckErr
}

func (f *fakeStore) NextStaleNode(ctx context.Context) (model.Node, bool, error) {
	return f.staleNode, f.staleNodeOK, f.staleErr
}

func (f *fakeStore) UncachedSince(ctx context.Context, excludingNodeID int64, since time.Time) ([]store.UncachedDelta, error) {
	return f.uncachedDeltas, f.uncachedErr
}

func (f *fakeStore) UpdateNodeSyncDate(ctx context.Context, id int64) error {
	f.syncDateCalls = append(f.syncDateCalls, id)
	return f.syncDateErr
}

type fakeTransport struct {
	probeStatus int32

	startJobStatus int32

	downloadResult model.FileInfoResult
	downloadErr    error

	syncStatus int32
	syncErr    error
}

func (f *fakeTransport) Probe(ctx context.Context, node model.Node) int32 { return f.probeStatus }

func (f *fakeTransport) StartJob(ctx context.Context, node model.Node, req model.JobRequest) int32 {
	return f.startJobStatus
}

func (f *fakeTransport) DownloadResult(ctx context.Context, node model.Node, hash string, requestID int64, destPath string) (model.FileInfoResult, error) {
	if f.downloadErr != nil {
		return model.FileInfoResult{}, f.downloadErr
	}
	if f.downloadResult.StatusCode == 0 {
		if err := os.WriteFile(destPath, []byte("archive-bytes"), 0o644); err != nil {
			return model.FileInfoResult{}, err
		}
	}
	return f.downloadResult, nil
}

func (f *fakeTransport) Synchronize(ctx context.Context, node model.Node, archivePath, secureHash string) (int32, error) {
	return f.syncStatus, f.syncErr
}

type fakeArchiveOps struct {
	hash    string
	hashErr error

	extractErr error

	zipDirCapture func(src string)
	zipErr        error
}

func (f *fakeArchiveOps) SHA256OfFile(path string) (string, error) {
	if f.hashErr != nil {
		return "", f.hashErr
	}
	return f.hash, nil
}

func (f *fakeArchiveOps) ExtractByExtension(archivePath, outDir, ext string) error {
	return f.extractErr
}

func (f *fakeArchiveOps) ZipDir(src, dst string) error {
	if f.zipDirCapture != nil {
		f.zipDirCapture(src)
	}
	if f.zipErr != nil {
		return f.zipErr
	}
	return os.WriteFile(dst, []byte("zip-bytes"), 0o644)
}

func newTestScheduler(s Store, tr Transport, ar ArchiveOps, roots Paths) *Scheduler {
	return New(Stores{FulfillRequest: s, CheckJob: s, SyncNode: s}, tr, ar, sharedMetrics(), roots, Intervals{
		FulfillRequest: time.Hour, CheckJob: time.Hour, SyncNode: time.Hour,
	})
}

func TestFulfillRequestTick_NoIdleNodesSkipsEverything(t *testing.T) {
	fs := &fakeStore{idleCount: 0, pendingErr: errors.New("should not be called")}
	sched := newTestScheduler(fs, &fakeTransport{}, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)
}

func TestFulfillRequestTick_CountActiveNodesErrorPropagates(t *testing.T) {
	fs := &fakeStore{activeErr: errors.New("db down"), pendingErr: errors.New("should not be called")}
	sched := newTestScheduler(fs, &fakeTransport{}, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	assert.Error(t, err, "a failed active-node count should abort the tick before the node-gauge metrics are reported")
}

func TestFulfillRequestTick_NoPendingRequest(t *testing.T) {
	fs := &fakeStore{idleCount: 2, pendingOK: false}
	sched := newTestScheduler(fs, &fakeTransport{}, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fs.insertedJobs)
}

func TestFulfillRequestTick_ReusesFulfilledArchive(t *testing.T) {
	fs := &fakeStore{
		idleCount:      1,
		pendingReq:     model.QueriedRequest{Request: model.Request{ID: 5, HashValue: "abc"}},
		pendingOK:      true,
		fulfilledHash:  "deadbeef",
		fulfilledFound: true,
	}
	sched := newTestScheduler(fs, &fakeTransport{}, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)

	require.Len(t, fs.insertedJobs, 1)
	assert.Equal(t, int64(5), fs.insertedJobs[0].RequestID)
	assert.Equal(t, int64(-1), fs.insertedJobs[0].NodeID)
	assert.Equal(t, "deadbeef", fs.insertedJobs[0].SecureHash)
	assert.NotNil(t, fs.insertedJobs[0].CompletionDate)
}

func TestFulfillRequestTick_NoAvailableNodesSkipsDispatch(t *testing.T) {
	fs := &fakeStore{
		idleCount:  1,
		pendingReq: model.QueriedRequest{Request: model.Request{ID: 5, HashValue: "abc"}},
		pendingOK:  true,
	}
	sched := newTestScheduler(fs, &fakeTransport{}, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fs.insertedJobs)
}

func TestAssignJob_DispatchesOnFirstAvailableNode(t *testing.T) {
	fs := &fakeStore{
		idleCount:      1,
		pendingReq:     model.QueriedRequest{Request: model.Request{ID: 9, CandidatesListID: -1, CustomList: "1ABC"}},
		pendingOK:      true,
		availableNodes: []model.Node{{ID: 3, IP: "10.0.0.1"}},
	}
	tr := &fakeTransport{probeStatus: 1, startJobStatus: 0}
	sched := newTestScheduler(fs, tr, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)

	require.Len(t, fs.insertedJobs, 1)
	assert.Equal(t, int64(9), fs.insertedJobs[0].RequestID)
	assert.Equal(t, int64(3), fs.insertedJobs[0].NodeID)
	assert.Equal(t, int32(0), fs.insertedJobs[0].StatusCode)
	assert.Nil(t, fs.insertedJobs[0].CompletionDate)
}

func TestAssignJob_LostClaimRaceContinuesRetrying(t *testing.T) {
	fs := &fakeStore{
		idleCount:      1,
		pendingReq:     model.QueriedRequest{Request: model.Request{ID: 9}},
		pendingOK:      true,
		availableNodes: []model.Node{{ID: 3}},
		claimResult:    map[int64]bool{3: false},
	}
	tr := &fakeTransport{probeStatus: 1, startJobStatus: 0}
	sched := newTestScheduler(fs, tr, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fs.insertedJobs, "lost claim race should never insert a running job")
}

func TestAssignJob_CatastrophicStartFinalizesRequestIDNotJobID(t *testing.T) {
	fs := &fakeStore{
		idleCount:      1,
		pendingReq:     model.QueriedRequest{Request: model.Request{ID: 77}},
		pendingOK:      true,
		availableNodes: []model.Node{{ID: 4}},
	}
	tr := &fakeTransport{probeStatus: 1, startJobStatus: -2}
	sched := newTestScheduler(fs, tr, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)

	require.Len(t, fs.finalizeCalls, 1)
	// Preserved bug (spec §9): the id finalized is the Request id (77), not
	// any Job id assigned by InsertJob.
	assert.Equal(t, int64(77), fs.finalizeCalls[0].id)
	assert.Equal(t, int32(-2), fs.finalizeCalls[0].status)
	assert.Equal(t, []int64{4}, fs.setWorkingCalls)
}

func TestAssignJob_BusyNodeRetriesWithoutInserting(t *testing.T) {
	fs := &fakeStore{
		idleCount:      1,
		pendingReq:     model.QueriedRequest{Request: model.Request{ID: 1}},
		pendingOK:      true,
		availableNodes: []model.Node{{ID: 1}},
	}
	tr := &fakeTransport{probeStatus: 1, startJobStatus: 1}
	sched := newTestScheduler(fs, tr, &fakeArchiveOps{}, Paths{})

	err := sched.fulfillRequestTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fs.insertedJobs)
	assert.Empty(t, fs.finalizeCalls)
}

func TestCheckJobTick_NoRunningJob(t *testing.T) {
	fs := &fakeStore{runningJobOK: false}
	sched := newTestScheduler(fs, &fakeTransport{}, &fakeArchiveOps{}, Paths{})

	err := sched.checkJobTick(context.Background())
	require.NoError(t, err)
}

func TestCheckJobTick_ProbeFailsUpdatesCheckTimestamp(t *testing.T) {
	fs := &fakeStore{
		runningJobOK: true,
		runningJob:   store.RunningJob{Job: model.Job{ID: 11}},
	}
	tr := &fakeTransport{probeStatus: 0}
	sched := newTestScheduler(fs, tr, &fakeArchiveOps{}, Paths{})

	err := sched.checkJobTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, fs.jobCheckCalls)
	assert.Empty(t, fs.finalizeCalls)
}

func TestCheckJobTick_FinalizesOnMatchingHash(t *testing.T) {
	roots := Paths{MonitorRoot: t.TempDir(), OutputRoot: t.TempDir()}
	fs := &fakeStore{
		runningJobOK: true,
		runningJob:   store.RunningJob{Job: model.Job{ID: 21, NodeID: 6}, RequestHash: "reqhash", ComparisonMode: 0},
	}
	tr := &fakeTransport{
		probeStatus:    1,
		downloadResult: model.FileInfoResult{StatusCode: 0, SecureHash: "matchhash"},
	}
	ar := &fakeArchiveOps{hash: "matchhash"}
	sched := newTestScheduler(fs, tr, ar, roots)

	err := sched.checkJobTick(context.Background())
	require.NoError(t, err)

	require.Len(t, fs.finalizeCalls, 1)
	assert.Equal(t, int64(21), fs.finalizeCalls[0].id)
	assert.Equal(t, int32(0), fs.finalizeCalls[0].status)
	assert.Equal(t, "matchhash", fs.finalizeCalls[0].secureHash)
	assert.Equal(t, []int64{6}, fs.setWorkingCalls)

	_, statErr := os.Stat(filepath.Join(roots.MonitorRoot, "reqhash.zip"))
	assert.True(t, os.IsNotExist(statErr), "downloaded archive should be removed after extraction")
}

func TestCheckJobTick_IntegrityMismatchLeavesJobNonTerminal(t *testing.T) {
	roots := Paths{MonitorRoot: t.TempDir(), OutputRoot: t.TempDir()}
	fs := &fakeStore{
		runningJobOK: true,
		runningJob:   store.RunningJob{Job: model.Job{ID: 21, NodeID: 6}, RequestHash: "reqhash"},
	}
	tr := &fakeTransport{
		probeStatus:    1,
		downloadResult: model.FileInfoResult{StatusCode: 0, SecureHash: "expectedhash"},
	}
	ar := &fakeArchiveOps{hash: "wronghash"}
	sched := newTestScheduler(fs, tr, ar, roots)

	err := sched.checkJobTick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fs.finalizeCalls, "integrity mismatch must not finalize the job")
	assert.Empty(t, fs.setWorkingCalls)

	_, statErr := os.Stat(filepath.Join(roots.MonitorRoot, "reqhash.zip"))
	assert.NoError(t, statErr, "downloaded archive must survive an integrity failure for the next retry")
}

func TestCheckJobTick_WorkerFailureFinalizesWithoutExtraction(t *testing.T) {
	roots := Paths{MonitorRoot: t.TempDir(), OutputRoot: t.TempDir()}
	fs := &fakeStore{
		runningJobOK: true,
		runningJob:   store.RunningJob{Job: model.Job{ID: 31, NodeID: 8}, RequestHash: "reqhash2"},
	}
	tr := &fakeTransport{
		probeStatus:    1,
		downloadResult: model.FileInfoResult{StatusCode: int32(model.JobWorkerFailure)},
	}
	sched := newTestScheduler(fs, tr, &fakeArchiveOps{}, roots)

	err := sched.checkJobTick(context.Background())
	require.NoError(t, err)

	require.Len(t, fs.finalizeCalls, 1)
	assert.Equal(t, int32(model.JobWorkerFailure), fs.finalizeCalls[0].status)
	assert.Equal(t, []int64{8}, fs.setWorkingCalls)
}

func TestSyncNodeTick_NoStaleNode(t *testing.T) {
	fs := &fakeStore{staleNodeOK: false}
	sched := newTestScheduler(fs, &fakeTransport{}, &fakeArchiveOps{}, Paths{})

	err := sched.syncNodeTick(context.Background())
	require.NoError(t, err)
}

func TestSyncNodeTick_EmptyDeltaSkipsSync(t *testing.T) {
	fs := &fakeStore{staleNodeOK: true, staleNode: model.Node{ID: 2}}
	tr := &fakeTransport{}
	sched := newTestScheduler(fs, tr, &fakeArchiveOps{}, Paths{MonitorRoot: t.TempDir()})

	err := sched.syncNodeTick(context.Background())
	require.NoError(t, err)
}

func TestSyncNodeTick_DomainFeaturesLandInWholeDir(t *testing.T) {
	monitorRoot := t.TempDir()
	pdbDir := filepath.Join(monitorRoot, "PDBs_new")
	wholeDir := filepath.Join(monitorRoot, "DATA_PDBs_new_whole")
	domainDir := filepath.Join(monitorRoot, "DATA_PDBs_new_domain")
	require.NoError(t, os.MkdirAll(pdbDir, 0o755))
	require.NoError(t, os.MkdirAll(wholeDir, 0o755))
	require.NoError(t, os.MkdirAll(domainDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(pdbDir, "4AKE.pdb"), []byte("atoms"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(domainDir, "4AKE.proto"), []byte("domain-feature"), 0o644))

	fs := &fakeStore{
		staleNodeOK:    true,
		staleNode:      model.Node{ID: 2},
		uncachedDeltas: []store.UncachedDelta{{Uncached: "4AKE"}},
	}
	tr := &fakeTransport{syncStatus: 0}

	var capturedWholeHasDomainFile, capturedDomainHasDomainFile bool
	ar := &fakeArchiveOps{
		hash: "synchash",
		zipDirCapture: func(src string) {
			_, err1 := os.Stat(filepath.Join(src, "DATA_PDBs_new_whole", "4AKE.proto"))
			capturedWholeHasDomainFile = err1 == nil
			_, err2 := os.Stat(filepath.Join(src, "DATA_PDBs_new_domain", "4AKE.proto"))
			capturedDomainHasDomainFile = err2 == nil
		},
	}
	sched := newTestScheduler(fs, tr, ar, Paths{MonitorRoot: monitorRoot})

	err := sched.syncNodeTick(context.Background())
	require.NoError(t, err)

	// Preserved bug (spec §9): domain-level feature files are staged into
	// the whole-genome temp subdirectory, never the domain one.
	assert.True(t, capturedWholeHasDomainFile, "domain feature should have landed in the whole dir")
	assert.False(t, capturedDomainHasDomainFile, "domain dir should remain empty of the domain feature")
	assert.Equal(t, []int64{2}, fs.syncDateCalls)
}

func TestSyncNodeTick_RejectedSyncDoesNotUpdateSyncDate(t *testing.T) {
	monitorRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(monitorRoot, "PDBs_new"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(monitorRoot, "DATA_PDBs_new_whole"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(monitorRoot, "DATA_PDBs_new_domain"), 0o755))

	fs := &fakeStore{
		staleNodeOK:    true,
		staleNode:      model.Node{ID: 9},
		uncachedDeltas: []store.UncachedDelta{{Uncached: "1ABC"}},
	}
	tr := &fakeTransport{syncStatus: 2}
	ar := &fakeArchiveOps{hash: "h"}
	sched := newTestScheduler(fs, tr, ar, Paths{MonitorRoot: monitorRoot})

	err := sched.syncNodeTick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fs.syncDateCalls)
}

func TestCandidateListFirstToken(t *testing.T) {
	assert.Equal(t, "KinaseSet", candidateListFirstToken("KinaseSet (curated)"))
	assert.Equal(t, "Solo", candidateListFirstToken("Solo"))
}

func TestBuildJobRequest_PresetVsCustomList(t *testing.T) {
	preset := buildJobRequest(model.QueriedRequest{
		Request:  model.Request{Reference: "4AKE", CandidatesListID: 7},
		ListName: "Kinases",
	})
	assert.Equal(t, []string{"4AKE"}, preset.StructureIDs)

	custom := buildJobRequest(model.QueriedRequest{
		Request: model.Request{Reference: "4AKE", CandidatesListID: -1, CustomList: "1ABC,2DEF"},
	})
	assert.Equal(t, []string{"1ABC", "2DEF"}, custom.StructureIDs)
}
