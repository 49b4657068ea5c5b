package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/domain"
	"github.com/beaconhq/beacon/internal/sqs"
)

type fakeJobSource struct {
	job        *sqs.DispatchJob
	receipt    string
	recvErr    error
	deleted    []string
	deadLetter []*sqs.DispatchJob
	extended   []int32
}

func (f *fakeJobSource) ReceiveJob(_ context.Context) (*sqs.DispatchJob, string, error) {
	if f.recvErr != nil {
		return nil, "", f.recvErr
	}
	job := f.job
	f.job = nil
	return job, f.receipt, nil
}

func (f *fakeJobSource) DeleteJob(_ context.Context, receiptHandle string) error {
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func (f *fakeJobSource) DeadLetter(_ context.Context, job *sqs.DispatchJob) error {
	f.deadLetter = append(f.deadLetter, job)
	return nil
}

func (f *fakeJobSource) ChangeVisibility(_ context.Context, _ string, seconds int32) error {
	f.extended = append(f.extended, seconds)
	return nil
}

func TestQueueWorkerCompletesJob(t *testing.T) {
	campaignID := uuid.New()
	source := &fakeJobSource{
		job:     &sqs.DispatchJob{CampaignID: campaignID.String(), MerchantID: uuid.New().String()},
		receipt: "r-1",
	}
	engine := &fakeDispatcher{}

	w := NewQueueWorker(source, engine, zap.NewNop())
	w.processOne(context.Background())

	if got := engine.sentIDs(); len(got) != 1 || got[0] != campaignID {
		t.Fatalf("dispatched %v, want [%s]", got, campaignID)
	}
	if len(source.deleted) != 1 || source.deleted[0] != "r-1" {
		t.Fatalf("deleted %v, want the completed job", source.deleted)
	}
	if len(source.extended) != 1 || source.extended[0] != sendVisibilitySeconds {
		t.Fatalf("visibility extensions %v, want one of %d seconds", source.extended, sendVisibilitySeconds)
	}
	if len(source.deadLetter) != 0 {
		t.Fatal("completed job must not be dead-lettered")
	}
}

func TestQueueWorkerDropsUnretryableJob(t *testing.T) {
	campaignID := uuid.New()
	source := &fakeJobSource{
		job:     &sqs.DispatchJob{CampaignID: campaignID.String()},
		receipt: "r-2",
	}
	engine := &fakeDispatcher{errFor: map[uuid.UUID]error{
		campaignID: domain.StateConflict("campaign", campaignID.String(), db.CampaignSent, db.CampaignSending),
	}}

	w := NewQueueWorker(source, engine, zap.NewNop())
	w.processOne(context.Background())

	if len(source.deadLetter) != 1 || source.deadLetter[0].CampaignID != campaignID.String() {
		t.Fatalf("dead-lettered %v, want the unretryable job", source.deadLetter)
	}
	if len(source.deleted) != 1 {
		t.Fatal("unretryable job should be deleted from the queue")
	}
}

func TestQueueWorkerLeavesTransientFailureForRedelivery(t *testing.T) {
	campaignID := uuid.New()
	source := &fakeJobSource{
		job:     &sqs.DispatchJob{CampaignID: campaignID.String()},
		receipt: "r-3",
	}
	engine := &fakeDispatcher{errFor: map[uuid.UUID]error{
		campaignID: errors.New("database connection reset"),
	}}

	w := NewQueueWorker(source, engine, zap.NewNop())
	w.processOne(context.Background())

	if len(source.deleted) != 0 {
		t.Fatal("transient failure must leave the job on the queue")
	}
	if len(source.deadLetter) != 0 {
		t.Fatal("transient failure must not be dead-lettered")
	}
}

func TestQueueWorkerDropsMalformedJob(t *testing.T) {
	source := &fakeJobSource{
		job:     &sqs.DispatchJob{CampaignID: "not-a-uuid"},
		receipt: "r-4",
	}
	engine := &fakeDispatcher{}

	w := NewQueueWorker(source, engine, zap.NewNop())
	w.processOne(context.Background())

	if len(engine.sentIDs()) != 0 {
		t.Fatal("malformed job must not reach the engine")
	}
	if len(source.deadLetter) != 1 {
		t.Fatal("malformed job should be dead-lettered for inspection")
	}
	if len(source.deleted) != 1 {
		t.Fatal("malformed job should be deleted from the queue")
	}
}
