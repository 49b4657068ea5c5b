package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/domain"
)

type fakeCampaignStore struct {
	mu        sync.Mutex
	campaign  *db.Campaign
	records   map[uuid.UUID]*db.DeliveryRecord
	delivered []uuid.UUID

	markSentCalls   int
	markFailedCalls int
	setStatusCalls  []string
}

func newFakeCampaignStore(c *db.Campaign) *fakeCampaignStore {
	return &fakeCampaignStore{
		campaign: c,
		records:  make(map[uuid.UUID]*db.DeliveryRecord),
	}
}

func (f *fakeCampaignStore) GetCampaign(_ context.Context, id uuid.UUID) (*db.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.campaign == nil || f.campaign.ID != id {
		return nil, domain.NotFound("campaign", id.String())
	}
	c := *f.campaign
	return &c, nil
}

func (f *fakeCampaignStore) TransitionStatus(_ context.Context, id uuid.UUID, from []string, to string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.campaign == nil || f.campaign.ID != id {
		return "", domain.NotFound("campaign", id.String())
	}
	for _, s := range from {
		if f.campaign.Status == s {
			prior := f.campaign.Status
			f.campaign.Status = to
			return prior, nil
		}
	}
	return "", domain.StateConflict("campaign", id.String(), f.campaign.Status, to)
}

func (f *fakeCampaignStore) SetStatus(_ context.Context, _ uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaign.Status = status
	f.setStatusCalls = append(f.setStatusCalls, status)
	return nil
}

func (f *fakeCampaignStore) MarkSent(_ context.Context, _ uuid.UUID, sent, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markSentCalls++
	f.campaign.Status = db.CampaignSent
	f.campaign.SentCount = sent
	f.campaign.FailedCount = failed
	return nil
}

func (f *fakeCampaignStore) MarkFailed(_ context.Context, _ uuid.UUID, sent, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markFailedCalls++
	f.campaign.Status = db.CampaignFailed
	f.campaign.SentCount = sent
	f.campaign.FailedCount = failed
	return nil
}

func (f *fakeCampaignStore) UpsertDeliveryOutcomes(_ context.Context, records []*db.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		f.records[rec.SubscriberID] = rec
	}
	return nil
}

func (f *fakeCampaignStore) DeliveredSubscriberIDs(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered, nil
}

func (f *fakeCampaignStore) DeliveryCounts(_ context.Context, _ uuid.UUID) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range f.records {
		counts[rec.Status]++
	}
	return counts, nil
}

type fakeSegmentLister struct {
	segments []*db.Segment
}

func (f *fakeSegmentLister) ListActiveByIDs(_ context.Context, _ uuid.UUID, _ []uuid.UUID) ([]*db.Segment, error) {
	return f.segments, nil
}

type fakeAudience struct {
	members []uuid.UUID
	counts  map[uuid.UUID]int
	err     error
}

func (f *fakeAudience) ResolveUnion(_ context.Context, _ uuid.UUID, _ []uuid.UUID) ([]uuid.UUID, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.members, nil
}

func (f *fakeAudience) EstimateSegmentCount(_ context.Context, seg *db.Segment) (int, error) {
	return f.counts[seg.ID], nil
}

type fakeRecipientLoader struct {
	recipients []*db.Recipient
}

func (f *fakeRecipientLoader) EligibleRecipients(_ context.Context, _ uuid.UUID, ids []uuid.UUID) ([]*db.Recipient, error) {
	wanted := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []*db.Recipient
	for _, rec := range f.recipients {
		if _, ok := wanted[rec.SubscriberID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	targeted int64
	reached  int64
	rollups  int
}

func (f *fakeRecorder) RecordDispatch(_ context.Context, _ uuid.UUID, targeted, reached int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targeted = targeted
	f.reached = reached
	return nil
}

func (f *fakeRecorder) RecomputeRollup(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollups++
	return nil
}

// scriptedTransport delivers every recipient except those listed in fail,
// and returns a transport error for batches containing anyone in down.
type scriptedTransport struct {
	fail map[uuid.UUID]bool
	down map[uuid.UUID]bool
}

func (t *scriptedTransport) Send(_ context.Context, batch []*db.Recipient, _ Payload) ([]Outcome, error) {
	for _, rec := range batch {
		if t.down[rec.SubscriberID] {
			return nil, errors.New("connection refused")
		}
	}
	outcomes := make([]Outcome, 0, len(batch))
	for _, rec := range batch {
		status := db.DeliveryDelivered
		reason := ""
		if t.fail[rec.SubscriberID] {
			status = db.DeliveryFailed
			reason = "token expired"
		}
		outcomes = append(outcomes, Outcome{SubscriberID: rec.SubscriberID, Status: status, Reason: reason})
	}
	return outcomes, nil
}

func (t *scriptedTransport) SupportsChannel(string) bool { return true }

func testCampaign(status string) *db.Campaign {
	return &db.Campaign{
		ID:         uuid.New(),
		MerchantID: uuid.New(),
		Status:     status,
		Title:      "Spring sale",
		Body:       "Everything 20% off this week",
		SegmentIDs: []uuid.UUID{uuid.New()},
	}
}

func testRecipients(ids []uuid.UUID) []*db.Recipient {
	out := make([]*db.Recipient, len(ids))
	for i, id := range ids {
		out[i] = &db.Recipient{SubscriberID: id, Channel: db.ChannelWebPush}
	}
	return out
}

func newTestEngine(store *fakeCampaignStore, audience *fakeAudience, loader *fakeRecipientLoader, transport Transport, rec *fakeRecorder) *Engine {
	return NewEngine(
		store,
		&fakeSegmentLister{},
		audience,
		loader,
		rec,
		transport,
		Config{BatchSize: 2, BatchConcurrency: 2, BatchTimeout: time.Second},
		zap.NewNop(),
	)
}

func TestSendDeliversFullAudience(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	store := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	audience := &fakeAudience{members: ids}
	loader := &fakeRecipientLoader{recipients: testRecipients(ids)}
	recorder := &fakeRecorder{}
	engine := newTestEngine(store, audience, loader, &scriptedTransport{}, recorder)

	result, err := engine.Send(context.Background(), store.campaign.ID)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.SentCount != 5 || result.FailedCount != 0 {
		t.Errorf("got sent=%d failed=%d, want 5/0", result.SentCount, result.FailedCount)
	}
	if store.campaign.Status != db.CampaignSent {
		t.Errorf("campaign status = %q, want %q", store.campaign.Status, db.CampaignSent)
	}
	if len(store.records) != 5 {
		t.Errorf("got %d delivery records, want 5", len(store.records))
	}
	if recorder.targeted != 5 || recorder.reached != 5 {
		t.Errorf("recorded targeted=%d reached=%d, want 5/5", recorder.targeted, recorder.reached)
	}
	if recorder.rollups != 1 {
		t.Errorf("rollup recomputed %d times, want 1", recorder.rollups)
	}
}

func TestSendRejectsNonSendableStatus(t *testing.T) {
	for _, status := range []string{db.CampaignSending, db.CampaignSent, db.CampaignCancelled} {
		store := newFakeCampaignStore(testCampaign(status))
		engine := newTestEngine(store, &fakeAudience{}, &fakeRecipientLoader{}, &scriptedTransport{}, &fakeRecorder{})

		_, err := engine.Send(context.Background(), store.campaign.ID)
		if !domain.IsStateConflict(err) {
			t.Errorf("status %q: Send() error = %v, want state conflict", status, err)
		}
	}
}

func TestSendConcurrentSingleWinner(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	store := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	audience := &fakeAudience{members: ids}
	loader := &fakeRecipientLoader{recipients: testRecipients(ids)}
	engine := newTestEngine(store, audience, loader, &scriptedTransport{}, &fakeRecorder{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Send(context.Background(), store.campaign.ID)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !domain.IsStateConflict(err) {
			t.Errorf("loser got %v, want state conflict", err)
		}
	}
	if winners != 1 {
		t.Errorf("got %d winners, want exactly 1", winners)
	}
	if store.markSentCalls != 1 {
		t.Errorf("MarkSent called %d times, want 1", store.markSentCalls)
	}
}

func TestSendPartialBatchFailure(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	store := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	audience := &fakeAudience{members: ids}
	loader := &fakeRecipientLoader{recipients: testRecipients(ids)}
	transport := &scriptedTransport{fail: map[uuid.UUID]bool{ids[1]: true, ids[3]: true}}
	engine := newTestEngine(store, audience, loader, transport, &fakeRecorder{})

	result, err := engine.Send(context.Background(), store.campaign.ID)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.SentCount != 2 || result.FailedCount != 2 {
		t.Errorf("got sent=%d failed=%d, want 2/2", result.SentCount, result.FailedCount)
	}
	if result.SentCount+result.FailedCount != len(ids) {
		t.Errorf("sent+failed = %d, want audience size %d", result.SentCount+result.FailedCount, len(ids))
	}
	// Partial failure still completes the send.
	if store.campaign.Status != db.CampaignSent {
		t.Errorf("campaign status = %q, want %q", store.campaign.Status, db.CampaignSent)
	}
	if rec := store.records[ids[1]]; rec == nil || rec.Status != db.DeliveryFailed {
		t.Errorf("failed recipient record = %+v, want failed status", rec)
	}
}

func TestSendAllBatchesTransportDown(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	down := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		down[id] = true
	}
	store := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	audience := &fakeAudience{members: ids}
	loader := &fakeRecipientLoader{recipients: testRecipients(ids)}
	engine := newTestEngine(store, audience, loader, &scriptedTransport{down: down}, &fakeRecorder{})

	result, err := engine.Send(context.Background(), store.campaign.ID)
	var dispatchErr *domain.DispatchFailedError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("Send() error = %v, want DispatchFailedError", err)
	}
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("error should wrap ErrTransport, got %v", err)
	}
	if store.campaign.Status != db.CampaignFailed {
		t.Errorf("campaign status = %q, want %q", store.campaign.Status, db.CampaignFailed)
	}
	if result.FailedCount != 3 {
		t.Errorf("failed count = %d, want 3", result.FailedCount)
	}
	// Failures are still recorded per recipient for later resend.
	if len(store.records) != 3 {
		t.Errorf("got %d delivery records, want 3", len(store.records))
	}
}

func TestSendRevertsOnResolutionFailure(t *testing.T) {
	store := newFakeCampaignStore(testCampaign(db.CampaignScheduled))
	audience := &fakeAudience{err: errors.New("query timeout")}
	engine := newTestEngine(store, audience, &fakeRecipientLoader{}, &scriptedTransport{}, &fakeRecorder{})

	_, err := engine.Send(context.Background(), store.campaign.ID)
	var dispatchErr *domain.DispatchFailedError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("Send() error = %v, want DispatchFailedError", err)
	}
	if store.campaign.Status != db.CampaignScheduled {
		t.Errorf("campaign status = %q, want prior status restored", store.campaign.Status)
	}
}

func TestSendResendSkipsDelivered(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	store := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	store.delivered = ids[:2]
	audience := &fakeAudience{members: ids}
	loader := &fakeRecipientLoader{recipients: testRecipients(ids)}
	transport := &countingTransport{inner: &scriptedTransport{}}
	engine := newTestEngine(store, audience, loader, transport, &fakeRecorder{})

	result, err := engine.Send(context.Background(), store.campaign.ID)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := transport.sent(); got != 1 {
		t.Errorf("transport received %d recipients, want only the undelivered 1", got)
	}
	// Prior deliveries still count toward the send total.
	if result.SentCount != 3 {
		t.Errorf("sent count = %d, want 3", result.SentCount)
	}
}

func TestSendRetriesFailedCampaign(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	store := newFakeCampaignStore(testCampaign(db.CampaignFailed))
	store.delivered = ids[:1]
	audience := &fakeAudience{members: ids}
	loader := &fakeRecipientLoader{recipients: testRecipients(ids)}
	transport := &countingTransport{inner: &scriptedTransport{}}
	engine := newTestEngine(store, audience, loader, transport, &fakeRecorder{})

	result, err := engine.Send(context.Background(), store.campaign.ID)
	if err != nil {
		t.Fatalf("Send() on failed campaign error = %v", err)
	}
	if got := transport.sent(); got != 2 {
		t.Errorf("transport received %d recipients, want the 2 undelivered", got)
	}
	if result.SentCount != 3 {
		t.Errorf("sent count = %d, want 3", result.SentCount)
	}
	if store.campaign.Status != db.CampaignSent {
		t.Errorf("campaign status = %q, want %q", store.campaign.Status, db.CampaignSent)
	}
}

func TestSendRecordsIneligibleAsSkipped(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	store := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	audience := &fakeAudience{members: ids}
	// Only the first two are still eligible at dispatch time.
	loader := &fakeRecipientLoader{recipients: testRecipients(ids[:2])}
	engine := newTestEngine(store, audience, loader, &scriptedTransport{}, &fakeRecorder{})

	result, err := engine.Send(context.Background(), store.campaign.ID)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.SkippedCount != 1 {
		t.Errorf("skipped count = %d, want 1", result.SkippedCount)
	}
	if rec := store.records[ids[2]]; rec == nil || rec.Status != db.DeliverySkipped {
		t.Errorf("ineligible subscriber record = %+v, want skipped status", rec)
	}
}

type countingTransport struct {
	mu    sync.Mutex
	n     int
	inner Transport
}

func (t *countingTransport) Send(ctx context.Context, batch []*db.Recipient, p Payload) ([]Outcome, error) {
	t.mu.Lock()
	t.n += len(batch)
	t.mu.Unlock()
	return t.inner.Send(ctx, batch, p)
}

func (t *countingTransport) SupportsChannel(ch string) bool { return t.inner.SupportsChannel(ch) }

func (t *countingTransport) sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func TestValidateCompleteCampaign(t *testing.T) {
	campaign := testCampaign(db.CampaignDraft)
	store := newFakeCampaignStore(campaign)
	segments := &fakeSegmentLister{segments: []*db.Segment{{ID: campaign.SegmentIDs[0]}}}
	audience := &fakeAudience{counts: map[uuid.UUID]int{campaign.SegmentIDs[0]: 250}}
	engine := NewEngine(store, segments, audience, &fakeRecipientLoader{}, &fakeRecorder{}, &scriptedTransport{},
		Config{}, zap.NewNop())

	result, err := engine.Validate(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("Valid = false, errors = %v", result.Errors)
	}
	if result.EstimatedSubscribers != 250 {
		t.Errorf("estimated = %d, want 250", result.EstimatedSubscribers)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestValidateMissingMessage(t *testing.T) {
	campaign := testCampaign(db.CampaignDraft)
	campaign.Title = ""
	campaign.Body = ""
	campaign.SegmentIDs = nil
	store := newFakeCampaignStore(campaign)
	engine := NewEngine(store, &fakeSegmentLister{}, &fakeAudience{}, &fakeRecipientLoader{}, &fakeRecorder{},
		&scriptedTransport{}, Config{}, zap.NewNop())

	result, err := engine.Validate(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid {
		t.Error("Valid = true for campaign with no title, body, or segments")
	}
	if len(result.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(result.Errors), result.Errors)
	}
}

func TestValidateSmallAudienceWarns(t *testing.T) {
	campaign := testCampaign(db.CampaignDraft)
	store := newFakeCampaignStore(campaign)
	segments := &fakeSegmentLister{segments: []*db.Segment{{ID: campaign.SegmentIDs[0]}}}
	audience := &fakeAudience{counts: map[uuid.UUID]int{campaign.SegmentIDs[0]: 3}}
	engine := NewEngine(store, segments, audience, &fakeRecipientLoader{}, &fakeRecorder{}, &scriptedTransport{},
		Config{MinReachWarning: 10}, zap.NewNop())

	result, err := engine.Validate(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("small audience should warn, not fail: %v", result.Errors)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("got %d warnings, want 1", len(result.Warnings))
	}
}

func TestValidateEmptyAudienceFails(t *testing.T) {
	campaign := testCampaign(db.CampaignDraft)
	store := newFakeCampaignStore(campaign)
	segments := &fakeSegmentLister{segments: []*db.Segment{{ID: campaign.SegmentIDs[0]}}}
	engine := NewEngine(store, segments, &fakeAudience{counts: map[uuid.UUID]int{}}, &fakeRecipientLoader{},
		&fakeRecorder{}, &scriptedTransport{}, Config{}, zap.NewNop())

	result, err := engine.Validate(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if result.Valid {
		t.Error("Valid = true for campaign with empty estimated audience")
	}
}

func TestCancelTransitions(t *testing.T) {
	cases := []struct {
		status  string
		wantErr bool
	}{
		{db.CampaignDraft, false},
		{db.CampaignScheduled, false},
		{db.CampaignSending, true},
		{db.CampaignSent, true},
	}
	for _, tc := range cases {
		store := newFakeCampaignStore(testCampaign(tc.status))
		engine := newTestEngine(store, &fakeAudience{}, &fakeRecipientLoader{}, &scriptedTransport{}, &fakeRecorder{})

		err := engine.Cancel(context.Background(), store.campaign.ID)
		if tc.wantErr {
			if !domain.IsStateConflict(err) {
				t.Errorf("Cancel from %q: error = %v, want state conflict", tc.status, err)
			}
		} else {
			if err != nil {
				t.Errorf("Cancel from %q: unexpected error %v", tc.status, err)
			}
			if store.campaign.Status != db.CampaignCancelled {
				t.Errorf("Cancel from %q: status = %q", tc.status, store.campaign.Status)
			}
		}
	}
}

func TestPauseResume(t *testing.T) {
	store := newFakeCampaignStore(testCampaign(db.CampaignScheduled))
	engine := newTestEngine(store, &fakeAudience{}, &fakeRecipientLoader{}, &scriptedTransport{}, &fakeRecorder{})
	ctx := context.Background()

	if err := engine.Pause(ctx, store.campaign.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if store.campaign.Status != db.CampaignPaused {
		t.Fatalf("status = %q, want paused", store.campaign.Status)
	}
	if err := engine.Resume(ctx, store.campaign.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if store.campaign.Status != db.CampaignScheduled {
		t.Fatalf("status = %q, want scheduled", store.campaign.Status)
	}

	// Pausing a draft is a conflict.
	store2 := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	engine2 := newTestEngine(store2, &fakeAudience{}, &fakeRecipientLoader{}, &scriptedTransport{}, &fakeRecorder{})
	if err := engine2.Pause(ctx, store2.campaign.ID); !domain.IsStateConflict(err) {
		t.Errorf("Pause from draft: error = %v, want state conflict", err)
	}
}

func TestStatsGuardedRates(t *testing.T) {
	campaign := testCampaign(db.CampaignSent)
	campaign.Clicks = 3
	store := newFakeCampaignStore(campaign)
	for i := 0; i < 8; i++ {
		store.records[uuid.New()] = &db.DeliveryRecord{Status: db.DeliveryDelivered}
	}
	for i := 0; i < 2; i++ {
		store.records[uuid.New()] = &db.DeliveryRecord{Status: db.DeliveryFailed}
	}
	engine := newTestEngine(store, &fakeAudience{}, &fakeRecipientLoader{}, &scriptedTransport{}, &fakeRecorder{})

	stats, err := engine.Stats(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalSent != 10 || stats.TotalDelivered != 8 || stats.TotalFailed != 2 {
		t.Errorf("got sent=%d delivered=%d failed=%d", stats.TotalSent, stats.TotalDelivered, stats.TotalFailed)
	}
	if stats.DeliveryRate != 80.0 {
		t.Errorf("delivery rate = %v, want 80.0", stats.DeliveryRate)
	}
	if stats.ClickRate != 37.5 {
		t.Errorf("click rate = %v, want 37.5", stats.ClickRate)
	}
}

func TestStatsZeroDenominator(t *testing.T) {
	store := newFakeCampaignStore(testCampaign(db.CampaignDraft))
	engine := newTestEngine(store, &fakeAudience{}, &fakeRecipientLoader{}, &scriptedTransport{}, &fakeRecorder{})

	stats, err := engine.Stats(context.Background(), store.campaign.ID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.DeliveryRate != 0 || stats.ClickRate != 0 {
		t.Errorf("rates with no deliveries = %v/%v, want 0/0", stats.DeliveryRate, stats.ClickRate)
	}
}
