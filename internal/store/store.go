// ============================================================================
// MachaonWeb Persistent State Gateway
// ============================================================================
//
// Package: internal/store
// Purpose: Typed access to the relational store: requests, jobs, nodes,
// cached_features, candidate_lists (spec §4.A).
//
// Grounded on ClusterCockpit-cc-backend/internal/repository/{job,jobQuery,
// node}.go for the sqlx.DB + squirrel.StatementBuilderType shape, and
// original_source/back/src/db/dbhandler.rs for the exact query semantics
// (orderings, joins, random selection, throttle window).
//
// ============================================================================

package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

// Store is the Persistent State Gateway. All operations run on a pooled
// connection with check-on-checkout health probes (provided by
// database/sql's own pool; Connect configures it).
type Store struct {
	db  *sqlx.DB
	sql sq.StatementBuilderType
}

// New wraps an already-connected *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, sql: sq.StatementBuilder.PlaceholderFormat(sq.Question)}
}

// InsertCachedIDs appends structure IDs to cached_features. Append-only;
// duplicates are tolerated here — the caller filters (spec §4.A).
func (s *Store) InsertCachedIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := s.sql.Insert("cached_features").Columns("structure_id")
	for _, id := range ids {
		q = q.Values(id)
	}
	_, err := q.RunWith(s.db).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert cached ids: %w", err)
	}
	return nil
}

// ListCachedIDs returns every known cached structure ID.
func (s *Store) ListCachedIDs(ctx context.Context) ([]model.CachedFeatureID, error) {
	var rows []struct {
		ID          int64  `db:"id"`
		StructureID string `db:"structure_id"`
	}
	query, args, err := s.sql.Select("id", "structure_id").From("cached_features").ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list cached ids: %w", err)
	}
	out := make([]model.CachedFeatureID, len(rows))
	for i, r := range rows {
		out[i] = model.CachedFeatureID{ID: r.ID, StructureID: r.StructureID}
	}
	return out, nil
}

// ListCandidateLists returns every preset candidate list.
func (s *Store) ListCandidateLists(ctx context.Context) ([]model.CandidateList, error) {
	var rows []struct {
		ID    int64  `db:"id"`
		Title string `db:"title"`
	}
	query, args, err := s.sql.Select("id", "title").From("candidate_lists").ToSql()
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list candidate lists: %w", err)
	}
	out := make([]model.CandidateList, len(rows))
	for i, r := range rows {
		out[i] = model.CandidateList{ID: r.ID, Title: r.Title}
	}
	return out, nil
}

// CandidateListExists reports whether id is a known preset list.
func (s *Store) CandidateListExists(ctx context.Context, id int64) (bool, error) {
	var count int
	query, args, err := s.sql.Select("COUNT(*)").From("candidate_lists").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return false, fmt.Errorf("check candidate list exists: %w", err)
	}
	return count > 0, nil
}

// CountActiveNodes returns the number of admin-enabled nodes.
func (s *Store) CountActiveNodes(ctx context.Context) (int, error) {
	return s.count(ctx, "nodes", sq.Eq{"active": true})
}

// CountIdleNodes returns the number of active, non-working nodes.
func (s *Store) CountIdleNodes(ctx context.Context) (int, error) {
	return s.count(ctx, "nodes", sq.Eq{"active": true, "working": false})
}

// CountRunningJobs returns the number of non-terminal jobs.
func (s *Store) CountRunningJobs(ctx context.Context) (int, error) {
	query, args, err := s.sql.Select("COUNT(*)").From("jobs").Where("completion_date IS NULL").ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return count, nil
}

// CountQueuedRequests returns the number of requests with no Job row.
func (s *Store) CountQueuedRequests(ctx context.Context) (int, error) {
	query, args, err := s.sql.Select("COUNT(*)").From("requests r").
		Where("NOT EXISTS (SELECT 1 FROM jobs j WHERE j.request_id = r.id)").ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count queued requests: %w", err)
	}
	return count, nil
}

// Info is the point-in-time snapshot a status endpoint (spec §12's
// supplemented REST surface) would report: how many nodes are up, how many
// of those are idle, how many jobs are mid-flight, and how many requests
// are still waiting on a job.
type Info struct {
	ActiveNodes    int
	IdleNodes      int
	RunningJobs    int
	QueuedRequests int
}

// Info composes the four Count* operations into the single snapshot a
// status endpoint would report.
func (s *Store) Info(ctx context.Context) (Info, error) {
	active, err := s.CountActiveNodes(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("count active nodes: %w", err)
	}
	idle, err := s.CountIdleNodes(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("count idle nodes: %w", err)
	}
	running, err := s.CountRunningJobs(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("count running jobs: %w", err)
	}
	queued, err := s.CountQueuedRequests(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("count queued requests: %w", err)
	}
	return Info{ActiveNodes: active, IdleNodes: idle, RunningJobs: running, QueuedRequests: queued}, nil
}

func (s *Store) count(ctx context.Context, table string, where sq.Eq) (int, error) {
	query, args, err := s.sql.Select("COUNT(*)").From(table).Where(where).ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// ListAvailableNodes returns active, idle nodes ordered by sync_date
// ascending (stalest first — informational; the scheduler reorders).
func (s *Store) ListAvailableNodes(ctx context.Context) ([]model.Node, error) {
	query, args, err := s.sql.Select("id", "ip", "domain", "active", "working", "sync_date", "cores").
		From("nodes").Where(sq.Eq{"active": true, "working": false}).OrderBy("sync_date ASC").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list available nodes: %w", err)
	}
	return toNodes(rows), nil
}

type nodeRow struct {
	ID       int64     `db:"id"`
	IP       string    `db:"ip"`
	Domain   string    `db:"domain"`
	Active   bool      `db:"active"`
	Working  bool      `db:"working"`
	SyncDate time.Time `db:"sync_date"`
	Cores    int32     `db:"cores"`
}

func toNodes(rows []nodeRow) []model.Node {
	out := make([]model.Node, len(rows))
	for i, r := range rows {
		out[i] = model.Node{ID: r.ID, IP: r.IP, Domain: r.Domain, Active: r.Active, Working: r.Working, SyncDate: r.SyncDate, Cores: r.Cores}
	}
	return out
}

// FindFulfilled returns the secure_hash of the most recent successful Job
// whose parent Request matches (hash, meta, goTerm), enabling result reuse
// (spec §4.A). Returns ("", false) when no such Job exists.
func (s *Store) FindFulfilled(ctx context.Context, hash string, meta bool, goTerm string) (string, bool, error) {
	query, args, err := s.sql.Select("j.secure_hash").
		From("jobs j").
		Join("requests r ON r.id = j.request_id").
		Where(sq.Eq{"r.hash_value": hash, "r.meta": meta, "r.go_term": goTerm, "j.status_code": 0}).
		Where("j.completion_date IS NOT NULL").
		OrderBy("j.completion_date DESC").
		Limit(1).ToSql()
	if err != nil {
		return "", false, err
	}
	var secureHash string
	if err := s.db.GetContext(ctx, &secureHash, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find fulfilled job: %w", err)
	}
	return secureHash, true, nil
}

// FindRequestIDByHash is a read-after-write lookup for a request's id given
// its fingerprint hash.
func (s *Store) FindRequestIDByHash(ctx context.Context, hash string) (int64, bool, error) {
	query, args, err := s.sql.Select("id").From("requests").Where(sq.Eq{"hash_value": hash}).
		OrderBy("id DESC").Limit(1).ToSql()
	if err != nil {
		return 0, false, err
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("find request id by hash: %w", err)
	}
	return id, true, nil
}

// FindRequestWithProof joins a Request to its latest terminal Job's
// secure_hash/status_code and its candidate list's title, per spec §4.A.
func (s *Store) FindRequestWithProof(ctx context.Context, id int64, hash string) (model.FinalizedRequest, bool, error) {
	query, args, err := s.sql.Select(
		"r.id", "r.reference", "r.candidates_list_id", "r.custom_list", "r.uncached",
		"r.hash_value", "r.creation_date", "r.meta", "r.go_term", "r.comparison_mode",
		"r.segment_start", "r.segment_end", "r.alignment_level", "r.views",
		"COALESCE(cl.title, '') AS list_name",
		"COALESCE(j.secure_hash, '') AS secure_hash",
		"COALESCE(j.status_code, 1) AS status_code",
	).From("requests r").
		LeftJoin("candidate_lists cl ON cl.id = r.candidates_list_id").
		LeftJoin("jobs j ON j.request_id = r.id AND j.completion_date IS NOT NULL").
		Where(sq.Eq{"r.id": id, "r.hash_value": hash}).
		OrderBy("j.completion_date DESC").Limit(1).ToSql()
	if err != nil {
		return model.FinalizedRequest{}, false, err
	}

	var row requestProofRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return model.FinalizedRequest{}, false, nil
		}
		return model.FinalizedRequest{}, false, fmt.Errorf("find request with proof: %w", err)
	}
	return row.toModel(), true, nil
}

type requestProofRow struct {
	requestRow
	ListName   string `db:"list_name"`
	SecureHash string `db:"secure_hash"`
	StatusCode int32  `db:"status_code"`
}

func (r requestProofRow) toModel() model.FinalizedRequest {
	return model.FinalizedRequest{
		Request:    r.requestRow.toModel(),
		ListName:   r.ListName,
		SecureHash: r.SecureHash,
		StatusCode: r.StatusCode,
	}
}

type requestRow struct {
	ID               int64     `db:"id"`
	Reference        string    `db:"reference"`
	CandidatesListID int64     `db:"candidates_list_id"`
	CustomList       string    `db:"custom_list"`
	Uncached         string    `db:"uncached"`
	HashValue        string    `db:"hash_value"`
	CreationDate     time.Time `db:"creation_date"`
	Meta             bool      `db:"meta"`
	GoTerm           string    `db:"go_term"`
	ComparisonMode   int32     `db:"comparison_mode"`
	SegmentStart     int32     `db:"segment_start"`
	SegmentEnd       int32     `db:"segment_end"`
	AlignmentLevel   int32     `db:"alignment_level"`
	Views            int64     `db:"views"`
}

func (r requestRow) toModel() model.Request {
	return model.Request{
		ID: r.ID, Reference: r.Reference, CandidatesListID: r.CandidatesListID,
		CustomList: r.CustomList, Uncached: r.Uncached, HashValue: r.HashValue,
		Meta: r.Meta, GoTerm: r.GoTerm, ComparisonMode: r.ComparisonMode,
		SegmentStart: r.SegmentStart, SegmentEnd: r.SegmentEnd, AlignmentLevel: r.AlignmentLevel,
		Views: r.Views, CreationDate: r.CreationDate,
	}
}

// InsertRequest persists a new Request and returns its assigned id.
func (s *Store) InsertRequest(ctx context.Context, req model.NewRequest) (int64, error) {
	query, args, err := s.sql.Insert("requests").
		Columns("reference", "candidates_list_id", "custom_list", "uncached", "hash_value",
			"creation_date", "meta", "go_term", "comparison_mode", "segment_start", "segment_end",
			"alignment_level", "views").
		Values(req.Reference, req.CandidatesListID, req.CustomList, req.Uncached, req.HashValue,
			now(), req.Meta, req.GoTerm, req.ComparisonMode, req.SegmentStart, req.SegmentEnd,
			req.AlignmentLevel, 0).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted request id: %w", err)
	}
	return id, nil
}

// InsertJob persists a new Job and returns its assigned id.
func (s *Store) InsertJob(ctx context.Context, job model.NewJob) (int64, error) {
	query, args, err := s.sql.Insert("jobs").
		Columns("request_id", "node_id", "assignment_date", "completion_date", "status_code", "secure_hash").
		Values(job.RequestID, job.NodeID, now(), job.CompletionDate, job.StatusCode, job.SecureHash).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted job id: %w", err)
	}
	return id, nil
}

// UpdateViews increments a Request's view counter.
func (s *Store) UpdateViews(ctx context.Context, id int64) error {
	query, args, err := s.sql.Update("requests").Set("views", sq.Expr("views + 1")).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update views: %w", err)
	}
	return nil
}

// UpdateJobStatus sets a Job's status_code without finalizing it.
func (s *Store) UpdateJobStatus(ctx context.Context, id int64, code int32) error {
	query, args, err := s.sql.Update("jobs").Set("status_code", code).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// UpdateJobCheck sets last_checked=NOW() on a Job (spec §4.A).
func (s *Store) UpdateJobCheck(ctx context.Context, id int64) error {
	query, args, err := s.sql.Update("jobs").Set("last_checked", now()).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job check: %w", err)
	}
	return nil
}

// FinalizeJob sets completion_date=NOW(), last_checked=NOW(), status_code
// and secure_hash on a Job, making it terminal (spec §4.A).
func (s *Store) FinalizeJob(ctx context.Context, id int64, secureHash string, status int32) error {
	t := now()
	query, args, err := s.sql.Update("jobs").
		Set("completion_date", t).Set("last_checked", t).
		Set("status_code", status).Set("secure_hash", secureHash).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// SetNodeWorking sets a Node's working flag unconditionally. Used for the
// false-direction flip on terminal transitions and catastrophic start_job
// responses (spec §4.D); the true-direction claim goes through
// ClaimNodeForWork instead to close the select/flip race (spec §9,
// DESIGN.md Open Question decision).
func (s *Store) SetNodeWorking(ctx context.Context, id int64, working bool) error {
	query, args, err := s.sql.Update("nodes").Set("working", working).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set node working: %w", err)
	}
	return nil
}

// ClaimNodeForWork atomically flips working=false -> true, returning false
// if another caller already claimed the node between selection and flip
// (spec §9's recommended race fix over the source's plain select-then-update).
func (s *Store) ClaimNodeForWork(ctx context.Context, id int64) (bool, error) {
	query, args, err := s.sql.Update("nodes").Set("working", true).
		Where(sq.Eq{"id": id, "working": false}).ToSql()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claim node: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read claim rowcount: %w", err)
	}
	return n == 1, nil
}

// UpdateNodeSyncDate sets sync_date=NOW() on a Node.
func (s *Store) UpdateNodeSyncDate(ctx context.Context, id int64) error {
	query, args, err := s.sql.Update("nodes").Set("sync_date", now()).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update node sync date: %w", err)
	}
	return nil
}

// UncachedOf returns the subset of ids not present in cached_features,
// order-preserving and duplicate-preserving per the input (spec §4.A).
func (s *Store) UncachedOf(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := s.sql.Select("structure_id").From("cached_features").
		Where(sq.Eq{"structure_id": ids}).ToSql()
	if err != nil {
		return nil, err
	}

	var cached []string
	if err := s.db.SelectContext(ctx, &cached, query, args...); err != nil {
		return nil, fmt.Errorf("query cached ids: %w", err)
	}

	cachedSet := make(map[string]bool, len(cached))
	for _, c := range cached {
		cachedSet[c] = true
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !cachedSet[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// RecentRequestExists implements the stochastic admission throttle (spec
// §4.C/§4.A): true iff any Request was created within a random window drawn
// uniformly from 2..5 minutes (exclusive upper), freshly drawn per call.
func (s *Store) RecentRequestExists(ctx context.Context) (bool, error) {
	windowSeconds := 120 + rand.Intn(180) // uniform [120, 300)
	cutoff := time.Now().Add(-time.Duration(windowSeconds) * time.Second)

	query, args, err := s.sql.Select("COUNT(*)").From("requests").
		Where(sq.GtOrEq{"creation_date": cutoff}).ToSql()
	if err != nil {
		return false, err
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return false, fmt.Errorf("check recent request: %w", err)
	}
	return count > 0, nil
}

// NextPendingRequest returns the Request with minimum id that has no Job
// row, left-joined to its candidate list name (spec §4.A). Returns
// (zero-value, false, nil) when none exists.
func (s *Store) NextPendingRequest(ctx context.Context) (model.QueriedRequest, bool, error) {
	query, args, err := s.sql.Select(
		"r.id", "r.reference", "r.candidates_list_id", "r.custom_list", "r.uncached",
		"r.hash_value", "r.creation_date", "r.meta", "r.go_term", "r.comparison_mode",
		"r.segment_start", "r.segment_end", "r.alignment_level", "r.views",
		"COALESCE(cl.title, '') AS list_name",
	).From("requests r").
		LeftJoin("candidate_lists cl ON cl.id = r.candidates_list_id").
		Where("NOT EXISTS (SELECT 1 FROM jobs j WHERE j.request_id = r.id)").
		OrderBy("r.id ASC").Limit(1).ToSql()
	if err != nil {
		return model.QueriedRequest{}, false, err
	}

	var row struct {
		requestRow
		ListName string `db:"list_name"`
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return model.QueriedRequest{}, false, nil
		}
		return model.QueriedRequest{}, false, fmt.Errorf("next pending request: %w", err)
	}

	return model.QueriedRequest{Request: row.requestRow.toModel(), ListName: row.ListName}, true, nil
}

// RunningJob is a Job joined to its Request's hash/mode and Node's ip/domain,
// as returned by NextRunningJob.
type RunningJob struct {
	model.Job
	RequestHash    string
	ComparisonMode int32
	NodeIP         string
	NodeDomain     string
}

// NextRunningJob returns a uniformly random running Job (status=0,
// completion_date IS NULL), joined to its Request's hash/mode and the
// Node's ip/domain (spec §4.A). Randomness is applied in Go rather than
// ORDER BY RAND() so the same query plan works across mysql and sqlite.
func (s *Store) NextRunningJob(ctx context.Context) (RunningJob, bool, error) {
	query, args, err := s.sql.Select(
		"j.id", "j.request_id", "j.node_id", "j.assignment_date", "j.completion_date",
		"j.last_checked", "j.status_code", "j.secure_hash",
		"r.hash_value AS request_hash", "r.comparison_mode",
		"n.ip AS node_ip", "n.domain AS node_domain",
	).From("jobs j").
		Join("requests r ON r.id = j.request_id").
		Join("nodes n ON n.id = j.node_id").
		Where(sq.Eq{"j.status_code": 0}).
		Where("j.completion_date IS NULL").ToSql()
	if err != nil {
		return RunningJob{}, false, err
	}

	var rows []runningJobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return RunningJob{}, false, fmt.Errorf("list running jobs: %w", err)
	}
	if len(rows) == 0 {
		return RunningJob{}, false, nil
	}

	chosen := rows[rand.Intn(len(rows))]
	return chosen.toModel(), true, nil
}

type runningJobRow struct {
	ID             int64      `db:"id"`
	RequestID      int64      `db:"request_id"`
	NodeID         int64      `db:"node_id"`
	AssignmentDate time.Time  `db:"assignment_date"`
	CompletionDate *time.Time `db:"completion_date"`
	LastChecked    *time.Time `db:"last_checked"`
	StatusCode     int32      `db:"status_code"`
	SecureHash     string     `db:"secure_hash"`
	RequestHash    string     `db:"request_hash"`
	ComparisonMode int32      `db:"comparison_mode"`
	NodeIP         string     `db:"node_ip"`
	NodeDomain     string     `db:"node_domain"`
}

func (r runningJobRow) toModel() RunningJob {
	return RunningJob{
		Job: model.Job{
			ID: r.ID, RequestID: r.RequestID, NodeID: r.NodeID, AssignmentDate: r.AssignmentDate,
			CompletionDate: r.CompletionDate, LastChecked: r.LastChecked, StatusCode: r.StatusCode,
			SecureHash: r.SecureHash,
		},
		RequestHash:    r.RequestHash,
		ComparisonMode: r.ComparisonMode,
		NodeIP:         r.NodeIP,
		NodeDomain:     r.NodeDomain,
	}
}

// NextStaleNode returns the active, idle Node with the globally minimum
// sync_date, ties broken by ascending cores (spec §4.A).
func (s *Store) NextStaleNode(ctx context.Context) (model.Node, bool, error) {
	query, args, err := s.sql.Select("id", "ip", "domain", "active", "working", "sync_date", "cores").
		From("nodes").Where(sq.Eq{"active": true, "working": false}).
		OrderBy("sync_date ASC", "cores ASC").Limit(1).ToSql()
	if err != nil {
		return model.Node{}, false, err
	}
	var row nodeRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return model.Node{}, false, nil
		}
		return model.Node{}, false, fmt.Errorf("next stale node: %w", err)
	}
	return toNodes([]nodeRow{row})[0], true, nil
}

// UncachedDelta is one request's uncached column, returned by UncachedSince.
type UncachedDelta struct {
	Uncached string
}

// UncachedSince returns the uncached column of every successful Request
// whose Job completed on another node after since and whose uncached is
// non-empty; used to build per-node delta sets (spec §4.A).
func (s *Store) UncachedSince(ctx context.Context, excludingNodeID int64, since time.Time) ([]UncachedDelta, error) {
	query, args, err := s.sql.Select("r.uncached").
		From("jobs j").
		Join("requests r ON r.id = j.request_id").
		Where(sq.Eq{"j.status_code": 0}).
		Where("j.completion_date IS NOT NULL").
		Where("j.completion_date > ?", since).
		Where(sq.NotEq{"j.node_id": excludingNodeID}).
		Where("r.uncached <> ''").ToSql()
	if err != nil {
		return nil, err
	}
	var uncached []string
	if err := s.db.SelectContext(ctx, &uncached, query, args...); err != nil {
		return nil, fmt.Errorf("uncached since: %w", err)
	}
	out := make([]UncachedDelta, len(uncached))
	for i, u := range uncached {
		out[i] = UncachedDelta{Uncached: u}
	}
	return out, nil
}

// SplitUncached splits a comma-joined uncached column into individual
// structure IDs, filtering empty elements.
func SplitUncached(uncached string) []string {
	if uncached == "" {
		return nil
	}
	parts := strings.Split(uncached, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func now() time.Time {
	return time.Now().UTC()
}
