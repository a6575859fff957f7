package review

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/models"
	"github.com/rfp-ignite/reviewd/pkg/pricing"
)

type memStore struct {
	mu        sync.Mutex
	drafts    map[string]*models.ReviewDraft
	approvals map[string]*models.ApprovedReview
	audit     map[string][]models.AuditEntry
	seq       int
}

func newMemStore() *memStore {
	return &memStore{
		drafts:    make(map[string]*models.ReviewDraft),
		approvals: make(map[string]*models.ApprovedReview),
		audit:     make(map[string][]models.AuditEntry),
	}
}

func (s *memStore) GetDraft(_ context.Context, rfpID string) (*models.ReviewDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[rfpID], nil
}

func (s *memStore) SaveDraft(_ context.Context, draft *models.ReviewDraft, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[draft.RFPID] = draft
	s.appendEntry(entry)
	return nil
}

func (s *memStore) GetApproval(_ context.Context, rfpID string) (*models.ApprovedReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvals[rfpID], nil
}

func (s *memStore) CreateApproval(_ context.Context, approval *models.ApprovedReview, entry *models.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.approvals[approval.RFPID]; exists {
		return false, nil
	}
	s.approvals[approval.RFPID] = approval
	s.appendEntry(entry)
	return true, nil
}

func (s *memStore) ListAudit(_ context.Context, rfpID string) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry{}, s.audit[rfpID]...), nil
}

func (s *memStore) appendEntry(entry *models.AuditEntry) {
	s.seq++
	e := *entry
	e.ID = fmt.Sprintf("audit-%d", s.seq)
	s.audit[e.RFPID] = append(s.audit[e.RFPID], e)
}

type stubEngine struct{}

func (stubEngine) Recalculate(_ context.Context, in pricing.Input) (*models.PricingResult, error) {
	return &models.PricingResult{RFPID: in.RFPID}, nil
}

type countingExporter struct {
	calls     int
	lastAudit []models.AuditEntry
}

func (e *countingExporter) Ref(rfpID string) string {
	return fmt.Sprintf("/api/rfp/%s/export", rfpID)
}

func (e *countingExporter) Generate(_ context.Context, rfpID string, _ *models.FinalResponse, audit []models.AuditEntry) (string, error) {
	e.calls++
	e.lastAudit = audit
	return e.Ref(rfpID), nil
}

func newTestWorkflow(t *testing.T) (*Workflow, *memStore, *countingExporter) {
	t.Helper()
	store := newMemStore()
	exporter := &countingExporter{}
	w := NewWorkflow(store, stubEngine{}, exporter, nil, zap.NewNop())
	return w, store, exporter
}

func saveRequest(rfpID, reviewer string) *models.ReviewSaveRequest {
	return &models.ReviewSaveRequest{
		RFPID:    rfpID,
		Reviewer: reviewer,
		Overrides: []models.LineOverride{
			{LineID: "L1", ManualUnitPrice: floatPtr(10)},
		},
	}
}

func floatPtr(f float64) *float64 { return &f }

func pipelineResult(rfpID string) *models.PipelineResult {
	return &models.PipelineResult{
		Success: true,
		RFPID:   rfpID,
		TechnicalRecommendations: models.TechnicalOutput{
			RFPID: rfpID,
			Recommendations: []models.TechnicalRecommendation{
				{LineID: "L1", BestSKU: "SKU-1"},
			},
		},
	}
}

func TestWorkflow_StateTransitions(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	state, err := w.State(ctx, "RFP-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStateNew, state)

	_, err = w.SaveDraft(ctx, saveRequest("RFP-1", "alice"))
	require.NoError(t, err)

	state, err = w.State(ctx, "RFP-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStateDrafted, state)

	_, err = w.Approve(ctx, ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.NoError(t, err)

	state, err = w.State(ctx, "RFP-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewStateApproved, state)
}

func TestWorkflow_SaveDraftLastWriteWins(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	first := saveRequest("RFP-1", "alice")
	_, err := w.SaveDraft(ctx, first)
	require.NoError(t, err)

	second := saveRequest("RFP-1", "bob")
	second.Overrides = []models.LineOverride{
		{LineID: "L2", ManualUnitPrice: floatPtr(99)},
	}
	_, err = w.SaveDraft(ctx, second)
	require.NoError(t, err)

	draft, err := w.CurrentDraft(ctx, "RFP-1")
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, "bob", draft.SavedBy)
	require.Len(t, draft.Request.Overrides, 1)
	assert.Equal(t, "L2", draft.Request.Overrides[0].LineID)

	// Every save lands in the audit log even though the draft is overwritten.
	trail, err := w.AuditTrail(ctx, "RFP-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditActionDraftSaved, trail[0].Action)
	assert.Equal(t, "alice", trail[0].Actor)
	assert.Equal(t, models.AuditActionDraftSaved, trail[1].Action)
	assert.Equal(t, "bob", trail[1].Actor)
}

func TestWorkflow_SaveDraftValidation(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	t.Run("missing reviewer", func(t *testing.T) {
		req := saveRequest("RFP-1", "")
		_, err := w.SaveDraft(ctx, req)
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	})

	t.Run("missing rfp_id", func(t *testing.T) {
		req := saveRequest("", "alice")
		_, err := w.SaveDraft(ctx, req)
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	})

	t.Run("duplicate line override", func(t *testing.T) {
		req := saveRequest("RFP-1", "alice")
		req.Overrides = append(req.Overrides, req.Overrides[0])
		_, err := w.SaveDraft(ctx, req)
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	})

	t.Run("margin out of range", func(t *testing.T) {
		req := saveRequest("RFP-1", "alice")
		req.GlobalOverrides.MarginFraction = floatPtr(2)
		_, err := w.SaveDraft(ctx, req)
		require.Error(t, err)
		assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	})
}

func TestWorkflow_ApproveHappyPath(t *testing.T) {
	w, _, exporter := newTestWorkflow(t)
	ctx := context.Background()

	_, err := w.SaveDraft(ctx, saveRequest("RFP-1", "alice"))
	require.NoError(t, err)

	result, err := w.Approve(ctx, ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.NoError(t, err)

	assert.False(t, result.Replayed)
	assert.Equal(t, "/api/rfp/RFP-1/export", result.Approval.ExportRef)
	assert.Equal(t, "alice", result.Approval.ApprovedBy)
	assert.NotEmpty(t, result.Approval.RequestFingerprint)
	assert.NotEmpty(t, result.Approval.FinalResponse)
	assert.Equal(t, 1, exporter.calls)

	// draft_saved then approved, and the bundle got the same trail.
	require.Len(t, result.AuditTrail, 2)
	assert.Equal(t, models.AuditActionApproved, result.AuditTrail[1].Action)
	require.Len(t, exporter.lastAudit, 2)
	assert.Equal(t, models.AuditActionApproved, exporter.lastAudit[1].Action)
}

func TestWorkflow_ApproveIdenticalRetryReplays(t *testing.T) {
	w, _, exporter := newTestWorkflow(t)
	ctx := context.Background()

	in := ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	}
	first, err := w.Approve(ctx, in)
	require.NoError(t, err)

	retry, err := w.Approve(ctx, ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.NoError(t, err)

	assert.True(t, retry.Replayed)
	assert.Equal(t, first.Approval.ExportRef, retry.Approval.ExportRef)
	// No second artifact, no second audit entry.
	assert.Equal(t, 1, exporter.calls)
	assert.Len(t, retry.AuditTrail, 1)
}

func TestWorkflow_ApproveDifferentPayloadConflicts(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	_, err := w.Approve(ctx, ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.NoError(t, err)

	changed := saveRequest("RFP-1", "alice")
	changed.Overrides[0].ManualUnitPrice = floatPtr(20)
	_, err = w.Approve(ctx, ApprovalInput{
		Request:  changed,
		Pipeline: pipelineResult("RFP-1"),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
	assert.Contains(t, apperror.MessageOf(err), "already approved")
}

func TestWorkflow_SaveAfterApproveConflicts(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	_, err := w.Approve(ctx, ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.NoError(t, err)

	_, err = w.SaveDraft(ctx, saveRequest("RFP-1", "bob"))
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))
}

func TestWorkflow_ApproveRequiresPipeline(t *testing.T) {
	w, _, _ := newTestWorkflow(t)

	_, err := w.Approve(context.Background(), ApprovalInput{
		Request: saveRequest("RFP-1", "alice"),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestWorkflow_ConcurrentApprovesSingleWinner(t *testing.T) {
	w, store, exporter := newTestWorkflow(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	results := make([]*ApprovalResult, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = w.Approve(ctx, ApprovalInput{
				Request:  saveRequest("RFP-1", "alice"),
				Pipeline: pipelineResult("RFP-1"),
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "/api/rfp/RFP-1/export", results[i].Approval.ExportRef)
	}

	// All callers sent the same payload, so one wins and the rest replay.
	assert.Len(t, store.audit["RFP-1"], 1)
	assert.Equal(t, 1, exporter.calls)
}

// racingStore simulates another process approving the same RFP between this
// caller's existence check and its insert: the first CreateApproval finds a
// competing record already committed.
type racingStore struct {
	*memStore
	once sync.Once
}

func (s *racingStore) CreateApproval(ctx context.Context, approval *models.ApprovedReview, entry *models.AuditEntry) (bool, error) {
	s.once.Do(func() {
		competing := &models.ApprovedReview{
			RFPID:              approval.RFPID,
			ApprovedBy:         "bob",
			RequestFingerprint: "competing-fingerprint",
			ExportRef:          fmt.Sprintf("/api/rfp/%s/export", approval.RFPID),
		}
		competingEntry := &models.AuditEntry{
			RFPID:  approval.RFPID,
			Action: models.AuditActionApproved,
			Actor:  "bob",
		}
		_, _ = s.memStore.CreateApproval(ctx, competing, competingEntry)
	})
	return s.memStore.CreateApproval(ctx, approval, entry)
}

func TestWorkflow_LostInsertRaceNeverGeneratesArtifact(t *testing.T) {
	store := &racingStore{memStore: newMemStore()}
	exporter := &countingExporter{}
	w := NewWorkflow(store, stubEngine{}, exporter, nil, zap.NewNop())

	_, err := w.Approve(context.Background(), ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.Error(t, err)
	assert.True(t, apperror.IsKind(err, apperror.KindConflict))

	// The loser must not have touched the winner's bundle.
	assert.Equal(t, 0, exporter.calls)
	winner := store.approvals["RFP-1"]
	require.NotNil(t, winner)
	assert.Equal(t, "bob", winner.ApprovedBy)
}

func TestWorkflow_LockReleasedAfterApproval(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	_, err := w.SaveDraft(ctx, saveRequest("RFP-1", "alice"))
	require.NoError(t, err)
	w.mu.Lock()
	assert.Len(t, w.locks, 1)
	w.mu.Unlock()

	_, err = w.Approve(ctx, ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.NoError(t, err)

	w.mu.Lock()
	assert.Empty(t, w.locks)
	w.mu.Unlock()

	// A replayed retry does not resurrect the entry either.
	retry, err := w.Approve(ctx, ApprovalInput{
		Request:  saveRequest("RFP-1", "alice"),
		Pipeline: pipelineResult("RFP-1"),
	})
	require.NoError(t, err)
	assert.True(t, retry.Replayed)

	w.mu.Lock()
	assert.Empty(t, w.locks)
	w.mu.Unlock()
}
