// ============================================================================
// MachaonWeb Core Type Definitions
// ============================================================================
//
// Package: pkg/model
// Purpose: Domain models shared by the Persistent State Gateway, the Request
// Admission pipeline and the Scheduler.
//
// Design Principles:
//   1. Flat value records, no cyclic graphs — rows are copied out of the
//      database for the duration of a single operation and never shared.
//   2. Sentinel -1 marks "absent" on integer foreign keys (CandidatesListID,
//      NodeID on reuse jobs) instead of carrying a second "has value" flag,
//      matching the source system's own convention.
//   3. Nullable DATETIME columns use *time.Time; nil means SQL NULL.
//
// ============================================================================

package model

import "time"

// JobStatus mirrors the status_code taxonomy from the wire contract and the
// jobs table: 0 running, negative codes terminal-failure, other positive
// terminal-success variants reported by a worker.
type JobStatus int32

const (
	// JobRunning is the non-terminal in-flight state.
	JobRunning JobStatus = 0
	// JobTransportError marks a Worker Transport RPC failure.
	JobTransportError JobStatus = -1
	// JobWorkerFailure marks a worker-reported failure.
	JobWorkerFailure JobStatus = -2
	// JobIntegrityFailure marks a downloaded archive whose hash didn't match.
	JobIntegrityFailure JobStatus = -3
)

// Admission status codes, spec §7.
const (
	StatusAccepted               int32 = 0
	StatusBadReference           int32 = -1
	StatusThrottled              int32 = -2
	StatusUnknownList            int32 = -3
	StatusEmptyListElement       int32 = -4
	StatusNoCandidates           int32 = -5
	StatusEmptyListAfterParse    int32 = -6
	StatusBadSegment             int32 = -7
	StatusCaptchaFailed          int32 = -8
	StatusBadMode                int32 = -9
	StatusBadAlignmentLevel      int32 = -10
	StatusIncompatibleCandidates int32 = -11
)

// Request is a user's parameterized comparison submission, content-addressed
// by a fingerprint hash.
type Request struct {
	ID                int64
	Reference         string
	CandidatesListID  int64 // -1 when unset
	CustomList        string
	Uncached          string
	HashValue         string
	Meta              bool
	GoTerm            string
	ComparisonMode    int32
	SegmentStart      int32
	SegmentEnd        int32
	AlignmentLevel    int32
	Views             int64
	CreationDate      time.Time
}

// QueriedRequest is a Request left-joined to its candidate list's title,
// as returned by next_pending_request.
type QueriedRequest struct {
	Request
	ListName string
}

// FinalizedRequest attaches the proof of a terminal Job to its parent
// Request — secure_hash, list_name and the latest terminal status_code.
type FinalizedRequest struct {
	Request
	ListName   string
	SecureHash string
	StatusCode int32
}

// Job is one dispatch attempt of a Request to a Node.
type Job struct {
	ID             int64
	RequestID      int64
	NodeID         int64 // -1 for "reuse" jobs
	AssignmentDate time.Time
	CompletionDate *time.Time
	LastChecked    *time.Time
	StatusCode     int32
	SecureHash     string
}

// IsTerminal reports whether the Job has a completion date, per spec §3's
// Job invariant.
func (j Job) IsTerminal() bool {
	return j.CompletionDate != nil
}

// Node is a worker in the fleet.
type Node struct {
	ID       int64
	IP       string
	Domain   string
	Active   bool
	Working  bool
	SyncDate time.Time
	Cores    int32
}

// CachedFeatureID is a structure identifier known to be present in the
// fleet-wide cache of precomputed features.
type CachedFeatureID struct {
	ID          int64
	StructureID string
}

// CandidateList is a named preset group of structure IDs.
type CandidateList struct {
	ID    int64
	Title string
}

// NewRequest is the input shape for insert_request — HashValue is already
// computed by Admission; no ID/Views/CreationDate yet, those are assigned
// when the row is inserted.
type NewRequest struct {
	Reference        string
	CandidatesListID int64
	CustomList       string
	Uncached         string
	HashValue        string
	Meta             bool
	GoTerm           string
	ComparisonMode   int32
	SegmentStart     int32
	SegmentEnd       int32
	AlignmentLevel   int32
}

// NewJob is the input shape for insert_job.
type NewJob struct {
	RequestID      int64
	NodeID         int64
	StatusCode     int32
	CompletionDate *time.Time
	SecureHash     string
}

// JobRequest is the payload shape dispatched to a worker over the wire
// contract (spec §6, jobreceiver.JobRequest).
type JobRequest struct {
	ReferenceID    string
	RequestID      int64
	ListName       string
	StructureIDs   []string
	MetaAnalysis   bool
	GoTerm         string
	Hash           string
	ComparisonMode int32
	SegmentStart   int32
	SegmentEnd     int32
	AlignmentLevel int32
}

// FileInfoResult is the terminal header of a download_result stream (spec
// §4.B.3): the worker's declared secure hash and status code for the
// archive just streamed.
type FileInfoResult struct {
	RequestID  int64
	Hash       string
	SecureHash string
	StatusCode int32
}
