package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anastasiadoulab/machaonweb-coordinator/pkg/model"
)

type fakeStore struct {
	throttled       bool
	listExists      map[int64]bool
	uncached        []string
	insertedRequest model.NewRequest
	nextID          int64
	throttleErr     error
	listErr         error
	uncachedErr     error
	insertErr       error
}

func (f *fakeStore) RecentRequestExists(ctx context.Context) (bool, error) {
	return f.throttled, f.throttleErr
}

func (f *fakeStore) CandidateListExists(ctx context.Context, id int64) (bool, error) {
	if f.listErr != nil {
		return false, f.listErr
	}
	return f.listExists[id], nil
}

func (f *fakeStore) UncachedOf(ctx context.Context, ids []string) ([]string, error) {
	if f.uncachedErr != nil {
		return nil, f.uncachedErr
	}
	return f.uncached, nil
}

func (f *fakeStore) InsertRequest(ctx context.Context, req model.NewRequest) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.insertedRequest = req
	f.nextID = 42
	return f.nextID, nil
}

type fakeCaptcha struct {
	ok  bool
	err error
}

func (f fakeCaptcha) Verify(ctx context.Context, token string) (bool, error) {
	return f.ok, f.err
}

func baseInput() Input {
	return Input{
		Reference:       "4AKE_A",
		CandidateListID: 7,
		ComparisonMode:  0,
		CaptchaToken:    "valid",
	}
}

func TestAdmit_HappyPathPresetList(t *testing.T) {
	store := &fakeStore{listExists: map[int64]bool{7: true}, uncached: []string{"4AKE_A"}}
	a := New(store, fakeCaptcha{ok: true})

	resp, err := a.Admit(context.Background(), baseInput())

	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Hash)
	assert.Equal(t, int64(42), resp.RequestID)
	assert.Equal(t, "4AKE_A", store.insertedRequest.Reference)
	assert.Equal(t, int64(7), store.insertedRequest.CandidatesListID)
}

func TestAdmit_CaptchaFailure(t *testing.T) {
	store := &fakeStore{}
	a := New(store, fakeCaptcha{ok: false})

	resp, err := a.Admit(context.Background(), baseInput())

	require.NoError(t, err)
	assert.Equal(t, model.StatusCaptchaFailed, resp.StatusCode)
}

func TestAdmit_BadMode(t *testing.T) {
	store := &fakeStore{}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.ComparisonMode = 3

	resp, _ := a.Admit(context.Background(), in)
	assert.Equal(t, model.StatusBadMode, resp.StatusCode)
}

func TestAdmit_BadAlignmentLevel(t *testing.T) {
	store := &fakeStore{}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.ComparisonMode = 2
	in.CandidateListID = -1
	in.CustomList = "1ABC"
	in.AlignmentLevel = 9
	in.SegmentStart, in.SegmentEnd = 1, 100

	resp, _ := a.Admit(context.Background(), in)
	assert.Equal(t, model.StatusBadAlignmentLevel, resp.StatusCode)
}

func TestAdmit_BadReference(t *testing.T) {
	store := &fakeStore{}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.Reference = "not-a-valid-id!!"

	resp, _ := a.Admit(context.Background(), in)
	assert.Equal(t, model.StatusBadReference, resp.StatusCode)
}

func TestAdmit_Throttled(t *testing.T) {
	store := &fakeStore{throttled: true}
	a := New(store, fakeCaptcha{ok: true})

	resp, _ := a.Admit(context.Background(), baseInput())
	assert.Equal(t, model.StatusThrottled, resp.StatusCode)
}

func TestAdmit_PresetListInMode2Rejected(t *testing.T) {
	store := &fakeStore{listExists: map[int64]bool{7: true}}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.ComparisonMode = 2
	in.AlignmentLevel = 1

	resp, _ := a.Admit(context.Background(), in)
	assert.Equal(t, model.StatusIncompatibleCandidates, resp.StatusCode)
}

func TestAdmit_UnknownPresetList(t *testing.T) {
	store := &fakeStore{listExists: map[int64]bool{}}
	a := New(store, fakeCaptcha{ok: true})

	resp, _ := a.Admit(context.Background(), baseInput())
	assert.Equal(t, model.StatusUnknownList, resp.StatusCode)
}

func TestAdmit_CustomListEmptyElement(t *testing.T) {
	store := &fakeStore{}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.CandidateListID = -1
	in.CustomList = "1ABC,,2DEF"

	resp, _ := a.Admit(context.Background(), in)
	assert.Equal(t, model.StatusEmptyListElement, resp.StatusCode)
}

func TestAdmit_CustomListEmptyInput(t *testing.T) {
	store := &fakeStore{}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.CandidateListID = -1
	in.CustomList = ""

	resp, _ := a.Admit(context.Background(), in)
	assert.Equal(t, model.StatusNoCandidates, resp.StatusCode)
}

func TestAdmit_CustomListDedupPreservesOrder(t *testing.T) {
	store := &fakeStore{uncached: []string{"1ABC", "2DEF"}}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.CandidateListID = -1
	in.CustomList = "1abc, 2def, 1ABC"

	resp, err := a.Admit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1ABC,2DEF", store.insertedRequest.CustomList)
}

func TestAdmit_BadSegment(t *testing.T) {
	store := &fakeStore{}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.ComparisonMode = 2
	in.CandidateListID = -1
	in.CustomList = "1ABC"
	in.AlignmentLevel = 1
	in.SegmentStart, in.SegmentEnd = 10, 10

	resp, _ := a.Admit(context.Background(), in)
	assert.Equal(t, model.StatusBadSegment, resp.StatusCode)
}

func TestAdmit_SegmentOverwrittenOutsideMode2(t *testing.T) {
	store := &fakeStore{listExists: map[int64]bool{7: true}, uncached: []string{"4AKE_A"}}
	a := New(store, fakeCaptcha{ok: true})
	in := baseInput()
	in.SegmentStart, in.SegmentEnd = 5, 5

	_, err := a.Admit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), store.insertedRequest.SegmentStart)
	assert.Equal(t, int32(-1), store.insertedRequest.SegmentEnd)
}

func TestAdmit_InfrastructureErrorYieldsNeutralDefault(t *testing.T) {
	store := &fakeStore{throttleErr: errors.New("db unreachable")}
	a := New(store, fakeCaptcha{ok: true})

	resp, err := a.Admit(context.Background(), baseInput())
	require.Error(t, err)
	assert.Equal(t, int32(1), resp.StatusCode)
}

func TestFingerprintDeterminism(t *testing.T) {
	h1 := fingerprint("4AKE_A", "7", 0, -1, -1, -1)
	h2 := fingerprint("4AKE_A", "7", 0, -1, -1, -1)
	assert.Equal(t, h1, h2)

	h3 := fingerprint("4AKE_B", "7", 0, -1, -1, -1)
	assert.NotEqual(t, h1, h3)
}

func TestNormalizeReference_AlphaFoldSuffixCasing(t *testing.T) {
	ref, ok := normalizeReference("af-q5vsl9-f1-model_v4")
	require.True(t, ok)
	assert.Equal(t, "AF-Q5VSL9-F1-model_v4", ref)
}

func TestNormalizeReference_ChainID(t *testing.T) {
	ref, ok := normalizeReference("4ake_a")
	require.True(t, ok)
	assert.Equal(t, "4AKE_A", ref)
}

func TestNormalizeReference_ESM(t *testing.T) {
	ref, ok := normalizeReference("mgyp000123456789")
	require.True(t, ok)
	assert.Equal(t, "MGYP000123456789", ref)
}

func TestNormalizeReference_InvalidChainID(t *testing.T) {
	_, ok := normalizeReference("4AKE_!")
	assert.False(t, ok)
}

func TestSortedCopyHelper(t *testing.T) {
	out := sortedCopy([]string{"b", "a"})
	assert.Equal(t, []string{"a", "b"}, out)
}
