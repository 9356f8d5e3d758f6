// ============================================================================
// MachaonWeb Request Admission
// ============================================================================
//
// Package: internal/admission
// Purpose: Validate, normalize, fingerprint a user request; determine
// uncached inputs; persist a pending request.
//
// Grounded on original_source/back/src/logic/mod.rs (create_request) for the
// exact validation order and fingerprint payload, and
// original_source/back/src/utils/mod.rs for check_structure_id,
// check_composite_id and get_substring. The validation pipeline is a plain
// ordered sequence of early returns — "first failure wins, subsequent checks
// skipped" per spec §4.C — not a generic validator-chain abstraction, since
// the pipeline is fixed and small.
//
// ============================================================================

package admission

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

const (
	referenceMaxGraphemes  = 40
	customListMaxGraphemes = 5000
)

var (
	pdbPattern       = regexp.MustCompile(`^[A-Z0-9]{4}$`)
	alphaFoldPattern = regexp.MustCompile(`^AF-[A-Z0-9]{3,}-F[0-9]*-MODEL_V4$`)
	esmPattern       = regexp.MustCompile(`^MGYP[0-9]{12}$`)
	chainIDPattern   = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// alphaFoldCasingSuffix is preserved lowercase even though every other part
// of the reference is uppercased (spec §4.C.4: "uppercase each part except
// preserve the literal suffix -model_v").
const alphaFoldCasingSuffix = "-model_v"

// Store is the subset of the Persistent State Gateway the admission
// pipeline needs. Defined locally (accept interfaces, return structs) so
// admission can be tested against a fake without depending on internal/store.
type Store interface {
	RecentRequestExists(ctx context.Context) (bool, error)
	CandidateListExists(ctx context.Context, id int64) (bool, error)
	UncachedOf(ctx context.Context, ids []string) ([]string, error)
	InsertRequest(ctx context.Context, req model.NewRequest) (int64, error)
}

// CaptchaVerifier verifies a CAPTCHA token against the external service
// (spec §6). Defined as an interface so tests don't need network access.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// Input is the opaque key-value document Admission receives from the
// (out-of-scope) REST layer, already shaped into a struct for this port.
type Input struct {
	Reference      string
	CandidateListID int64 // -1 when the caller means "use CustomList"
	CustomList     string
	ComparisonMode int32
	SegmentStart   int32
	SegmentEnd     int32
	AlignmentLevel int32
	Meta           bool
	GoTerm         string
	CaptchaToken   string
}

// Response is RequestResponse from spec §4.C: status_code=0 means accepted.
type Response struct {
	StatusCode int32
	Hash       string
	RequestID  int64
}

// Admitter runs the admission pipeline.
type Admitter struct {
	store   Store
	captcha CaptchaVerifier
}

// New builds an Admitter.
func New(store Store, captcha CaptchaVerifier) *Admitter {
	return &Admitter{store: store, captcha: captcha}
}

// Admit runs the full validation/normalization/fingerprint/persist pipeline
// described in spec §4.C, in order, first failure wins.
func (a *Admitter) Admit(ctx context.Context, in Input) (Response, error) {
	// 1. CAPTCHA
	ok, err := a.captcha.Verify(ctx, in.CaptchaToken)
	if err != nil {
		// Infrastructure error (spec §7): logged by the caller, neutral
		// default substituted here as status_code=1, not a typed error.
		return Response{StatusCode: 1}, fmt.Errorf("captcha verification: %w", err)
	}
	if !ok {
		return Response{StatusCode: model.StatusCaptchaFailed}, nil
	}

	// 2. Mode bounds
	if in.ComparisonMode < 0 || in.ComparisonMode > 2 {
		return Response{StatusCode: model.StatusBadMode}, nil
	}

	// 3. Alignment level (mode=2 only)
	if in.ComparisonMode == 2 {
		if in.AlignmentLevel < 0 || in.AlignmentLevel > 3 {
			return Response{StatusCode: model.StatusBadAlignmentLevel}, nil
		}
	}

	// 4. Reference ID
	reference, ok := normalizeReference(in.Reference)
	if !ok {
		return Response{StatusCode: model.StatusBadReference}, nil
	}

	// 5. Throttle
	throttled, err := a.store.RecentRequestExists(ctx)
	if err != nil {
		return Response{StatusCode: 1}, fmt.Errorf("check admission throttle: %w", err)
	}
	if throttled {
		return Response{StatusCode: model.StatusThrottled}, nil
	}

	// 6. Candidate source
	var (
		candidatesListID int64 = -1
		customList       []string
		uncachedInput    []string
	)

	usePreset := in.CandidateListID >= 0
	if usePreset {
		if in.ComparisonMode == 2 {
			return Response{StatusCode: model.StatusIncompatibleCandidates}, nil
		}
		exists, err := a.store.CandidateListExists(ctx, in.CandidateListID)
		if err != nil {
			return Response{StatusCode: 1}, fmt.Errorf("check candidate list: %w", err)
		}
		if !exists {
			return Response{StatusCode: model.StatusUnknownList}, nil
		}
		candidatesListID = in.CandidateListID
		uncachedInput = []string{reference}
	} else {
		parsed, status := parseCustomList(in.CustomList)
		if status != model.StatusAccepted {
			return Response{StatusCode: status}, nil
		}
		customList = parsed
		uncachedInput = append([]string{}, parsed...)
		uncachedInput = append(uncachedInput, reference)
	}

	uncached, err := a.store.UncachedOf(ctx, uncachedInput)
	if err != nil {
		return Response{StatusCode: 1}, fmt.Errorf("compute uncached set: %w", err)
	}

	// 7. Segment (mode=2 only; otherwise overwritten to (-1,-1))
	segmentStart, segmentEnd := int32(-1), int32(-1)
	if in.ComparisonMode == 2 {
		segmentStart, segmentEnd = in.SegmentStart, in.SegmentEnd
		if !validSegment(segmentStart, segmentEnd) {
			return Response{StatusCode: model.StatusBadSegment}, nil
		}
	}

	// 8. Fingerprint
	candidatesField := candidatesField(usePreset, candidatesListID, customList)
	if candidatesField == "" {
		return Response{StatusCode: model.StatusIncompatibleCandidates}, nil
	}
	hash := fingerprint(reference, candidatesField, in.ComparisonMode, segmentStart, segmentEnd, in.AlignmentLevel)

	// 9. Persist
	id, err := a.store.InsertRequest(ctx, model.NewRequest{
		Reference:        reference,
		CandidatesListID: candidatesListID,
		CustomList:       strings.Join(customList, ","),
		Uncached:         strings.Join(uncached, ","),
		HashValue:        hash,
		Meta:             in.Meta,
		GoTerm:           in.GoTerm,
		ComparisonMode:   in.ComparisonMode,
		SegmentStart:     segmentStart,
		SegmentEnd:       segmentEnd,
		AlignmentLevel:   in.AlignmentLevel,
	})
	if err != nil {
		return Response{StatusCode: 1}, fmt.Errorf("persist request: %w", err)
	}

	return Response{StatusCode: model.StatusAccepted, Hash: hash, RequestID: id}, nil
}

// validSegment implements spec §4.C.7: 1 <= start <= end <= 10000 and
// 2 < end-start <= 600.
func validSegment(start, end int32) bool {
	if start < 1 || end > 10000 || start > end {
		return false
	}
	diff := end - start
	return diff > 2 && diff <= 600
}

// candidatesField renders the "candidates" component of the fingerprint
// payload (spec §4.C.8): the canonical comma-joined custom list, or the
// decimal candidate-list id.
func candidatesField(usePreset bool, listID int64, customList []string) string {
	if usePreset {
		return strconv.FormatInt(listID, 10)
	}
	return strings.Join(customList, ",")
}

// fingerprint builds the payload
// "reference\ncandidates\nmode\nsegment_start\nsegment_end\nalignment_level"
// and hashes it with a deterministic 64-bit non-cryptographic hash, decimal
// string form (spec §4.C.8, §4.E, §9 — see DESIGN.md's Open Question
// decision on the choice of hash/fnv over a reseeding hash).
func fingerprint(reference, candidates string, mode, segmentStart, segmentEnd, alignmentLevel int32) string {
	payload := strings.Join([]string{
		reference,
		candidates,
		strconv.FormatInt(int64(mode), 10),
		strconv.FormatInt(int64(segmentStart), 10),
		strconv.FormatInt(int64(segmentEnd), 10),
		strconv.FormatInt(int64(alignmentLevel), 10),
	}, "\n")

	h := fnv.New64a()
	_, _ = h.Write([]byte(payload)) // hash.Hash.Write never returns an error
	return strconv.FormatUint(h.Sum64(), 10)
}

// normalizeReference implements spec §4.C.4: split on "_", uppercase each
// part except preserve the literal "-model_v" suffix, validate the first
// part against the PDB/AlphaFold/ESM alternation and the second part (chain
// ID) as alphanumeric if present. The underscore inside an AlphaFold
// "-model_v" suffix belongs to the structure ID; the chain separator is the
// first "_" after it.
func normalizeReference(reference string) (string, bool) {
	reference = truncateGraphemes(reference, referenceMaxGraphemes)
	searchFrom := 0
	if idx := strings.Index(strings.ToLower(reference), alphaFoldCasingSuffix); idx >= 0 && idx+len(alphaFoldCasingSuffix) <= len(reference) {
		searchFrom = idx + len(alphaFoldCasingSuffix)
	}
	parts := []string{reference}
	if sep := strings.Index(reference[searchFrom:], "_"); sep >= 0 {
		parts = []string{reference[:searchFrom+sep], reference[searchFrom+sep+1:]}
	}

	structureID := canonicalizeStructureID(parts[0])
	if !checkStructureID(structureID) {
		return "", false
	}

	if len(parts) == 1 {
		return structureID, true
	}

	chainID := strings.ToUpper(parts[1])
	if chainID == "" || !chainIDPattern.MatchString(chainID) {
		return "", false
	}

	return structureID + "_" + chainID, true
}

// canonicalizeStructureID uppercases a structure identifier while preserving
// the casing of a literal "-model_v" suffix (AlphaFold IDs render it
// lowercase, e.g. "AF-Q5VSL9-F1-model_v4" normalizes to
// "AF-Q5VSL9-F1-model_v4" in the suffix and uppercase elsewhere).
func canonicalizeStructureID(s string) string {
	idx := strings.Index(strings.ToLower(s), alphaFoldCasingSuffix)
	if idx < 0 {
		return strings.ToUpper(s)
	}
	return strings.ToUpper(s[:idx]) + alphaFoldCasingSuffix + s[idx+len(alphaFoldCasingSuffix):]
}

func checkStructureID(s string) bool {
	upper := strings.ToUpper(s)
	return pdbPattern.MatchString(upper) || alphaFoldPattern.MatchString(upper) || esmPattern.MatchString(upper)
}

// parseCustomList implements spec §4.C.6's else-branch: comma-separated,
// uppercased, trimmed, AlphaFold suffix preserved, deduplicated while
// preserving first occurrence. Any empty element after splitting a
// non-empty string -> -4. Empty input -> -5. Empty result after dedup -> -6.
func parseCustomList(raw string) ([]string, int32) {
	raw = truncateGraphemes(strings.TrimSpace(raw), customListMaxGraphemes)
	if raw == "" {
		return nil, model.StatusNoCandidates
	}

	rawParts := strings.Split(raw, ",")
	seen := make(map[string]bool, len(rawParts))
	result := make([]string, 0, len(rawParts))

	for _, part := range rawParts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			return nil, model.StatusEmptyListElement
		}
		canon := canonicalizeStructureID(trimmed)
		if seen[canon] {
			continue
		}
		seen[canon] = true
		result = append(result, canon)
	}

	if len(result) == 0 {
		return nil, model.StatusEmptyListAfterParse
	}

	return result, model.StatusAccepted
}

// truncateGraphemes truncates s to at most n grapheme clusters. Composite
// structure identifiers are ASCII in practice; this uses a rune-based
// approximation (every rune here is its own grapheme cluster) documented as
// the supplemented-feature decision in SPEC_FULL.md §12.
func truncateGraphemes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// sortedCopy is used by tests to compare uncached-set results independent of
// map iteration order where callers don't care about order preservation.
func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
