package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"opticast/internal/contentgate"
	"opticast/internal/jobqueue"
	"opticast/internal/models"
	"opticast/internal/storage"
)

type stubGate struct {
	decision contentgate.Decision
	err      error
	calls    int
}

func (g *stubGate) Screen(context.Context, string) (contentgate.Decision, error) {
	g.calls++
	return g.decision, g.err
}

type enqueued struct {
	Queue   string
	JobID   string
	Payload json.RawMessage
}

// recordingQueue captures jobs through a real jobqueue.Client backed by the
// memory store so option handling matches production.
type recordingQueue struct {
	mu     sync.Mutex
	client *jobqueue.Client
	jobs   []enqueued
	err    error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{client: jobqueue.NewClient(jobqueue.NewMemoryStore(nil), jobqueue.DefaultPolicy())}
}

func (q *recordingQueue) Enqueue(ctx context.Context, queue string, payload any, opts ...jobqueue.EnqueueOption) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	id, err := q.client.Enqueue(ctx, queue, payload, opts...)
	if err != nil {
		return "", err
	}
	raw, _ := json.Marshal(payload)
	q.mu.Lock()
	q.jobs = append(q.jobs, enqueued{Queue: queue, JobID: id, Payload: raw})
	q.mu.Unlock()
	return id, nil
}

type serviceFixture struct {
	svc   *Service
	repo  *storage.Storage
	gate  *stubGate
	queue *recordingQueue
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	repo := storage.NewMemoryRepository()
	if _, err := repo.CreateCollection(context.Background(), models.Collection{ID: "col-1", OwnerID: "owner-1", Name: "demo", AccessTokenHash: "h"}); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	gate := &stubGate{decision: contentgate.Decision{Admitted: true, Sampled: 10}}
	queue := newRecordingQueue()
	svc, err := NewService(ServiceConfig{Repository: repo, Gate: gate, Queue: queue})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return serviceFixture{svc: svc, repo: repo, gate: gate, queue: queue}
}

func writeUpload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	return path
}

func TestAdmitQueuesTranscode(t *testing.T) {
	f := newServiceFixture(t)
	upload := writeUpload(t)
	ctx := context.Background()

	admission, err := f.svc.Admit(ctx, UploadRequest{OwnerID: "owner-1", CollectionID: "col-1", LocalFilePath: upload, Name: "clip"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	asset, err := f.repo.GetAsset(ctx, admission.AssetID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if asset.Status != models.AssetStatusQueued || asset.JobID != admission.JobID || asset.Name != "clip" {
		t.Fatalf("unexpected asset %+v", asset)
	}
	collection, err := f.repo.GetCollection(ctx, "col-1")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if !collection.HasAsset(asset.ID) {
		t.Fatal("expected asset to be linked to the collection")
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(f.queue.jobs))
	}
	job := f.queue.jobs[0]
	if job.Queue != jobqueue.QueueTranscode || job.JobID != admission.JobID {
		t.Fatalf("unexpected job %+v", job)
	}
	var payload models.TranscodePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	want := models.TranscodePayload{AssetID: asset.ID, CollectionID: "col-1", InputPath: upload}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(upload); err != nil {
		t.Fatalf("admitted upload must stay on disk for the worker: %v", err)
	}
}

func TestAdmitRejectionRemovesUpload(t *testing.T) {
	f := newServiceFixture(t)
	f.gate.decision = contentgate.Decision{Admitted: false, Sampled: 300, Flagged: 93, Ratio: 0.31, Reason: "flagged"}
	upload := writeUpload(t)

	_, err := f.svc.Admit(context.Background(), UploadRequest{OwnerID: "owner-1", CollectionID: "col-1", LocalFilePath: upload})
	var rejection *AdmissionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected AdmissionError, got %v", err)
	}
	if rejection.Decision.Flagged != 93 {
		t.Fatalf("unexpected decision %+v", rejection.Decision)
	}
	if _, err := os.Stat(upload); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected upload to be removed, got %v", err)
	}
	assets, _ := f.repo.ListAssets(context.Background(), "col-1")
	if len(assets) != 0 || len(f.queue.jobs) != 0 {
		t.Fatal("rejected uploads must not create assets or jobs")
	}
}

func TestAdmitGateErrorRemovesUpload(t *testing.T) {
	f := newServiceFixture(t)
	f.gate.err = contentgate.ErrExtraction
	upload := writeUpload(t)

	_, err := f.svc.Admit(context.Background(), UploadRequest{OwnerID: "owner-1", CollectionID: "col-1", LocalFilePath: upload})
	if !errors.Is(err, contentgate.ErrExtraction) {
		t.Fatalf("expected ErrExtraction, got %v", err)
	}
	if _, err := os.Stat(upload); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected upload to be removed, got %v", err)
	}
}

func TestAdmitEnqueueFailureMarksAssetFailed(t *testing.T) {
	f := newServiceFixture(t)
	f.queue.err = errors.New("redis down")
	upload := writeUpload(t)

	_, err := f.svc.Admit(context.Background(), UploadRequest{OwnerID: "owner-1", CollectionID: "col-1", LocalFilePath: upload})
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if _, err := os.Stat(upload); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("upload should be removed when nothing will process it, stat err = %v", err)
	}
	assets, err := f.repo.ListAssets(context.Background(), "col-1")
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(assets) != 1 || assets[0].Status != models.AssetStatusFailed {
		t.Fatalf("expected one failed asset, got %+v", assets)
	}
}

func TestAdmitChecksOwnershipBeforeScreening(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Admit(context.Background(), UploadRequest{OwnerID: "intruder", CollectionID: "col-1", LocalFilePath: writeUpload(t)})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if f.gate.calls != 0 {
		t.Fatal("gate must not run for foreign collections")
	}
	_, err = f.svc.Admit(context.Background(), UploadRequest{OwnerID: "owner-1", CollectionID: "missing", LocalFilePath: writeUpload(t)})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCollectionQueuesEverything(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	first, err := f.svc.Admit(ctx, UploadRequest{OwnerID: "owner-1", CollectionID: "col-1", LocalFilePath: writeUpload(t)})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	second, err := f.svc.Admit(ctx, UploadRequest{OwnerID: "owner-1", CollectionID: "col-1", LocalFilePath: writeUpload(t)})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if _, err := f.svc.DeleteCollection(ctx, "intruder", "col-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	jobID, err := f.svc.DeleteCollection(ctx, "owner-1", "col-1")
	if err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if _, err := f.repo.GetCollection(ctx, "col-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected collection to be removed, got %v", err)
	}
	last := f.queue.jobs[len(f.queue.jobs)-1]
	if last.Queue != jobqueue.QueueDeletion || last.JobID != jobID {
		t.Fatalf("unexpected deletion job %+v", last)
	}
	var payload models.DeletionPayload
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := models.DeletionPayload{
		CollectionID: "col-1",
		AssetIDs:     []string{first.AssetID, second.AssetID},
		DeliveryPaths: []string{
			models.DeliveryPathFor("col-1", first.AssetID),
			models.DeliveryPathFor("col-1", second.AssetID),
		},
	}
	sorted := cmpopts.SortSlices(func(a, b string) bool { return a < b })
	if diff := cmp.Diff(want, payload, sorted); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
}

func TestDeleteAssetDetachesAndQueues(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	admission, err := f.svc.Admit(ctx, UploadRequest{OwnerID: "owner-1", CollectionID: "col-1", LocalFilePath: writeUpload(t)})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := f.svc.DeleteAsset(ctx, "owner-1", "col-1", "unknown"); !errors.Is(err, ErrAssetNotInCollection) {
		t.Fatalf("expected ErrAssetNotInCollection, got %v", err)
	}
	if _, err := f.svc.DeleteAsset(ctx, "owner-1", "col-1", admission.AssetID); err != nil {
		t.Fatalf("DeleteAsset: %v", err)
	}
	collection, err := f.repo.GetCollection(ctx, "col-1")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if collection.HasAsset(admission.AssetID) {
		t.Fatal("expected asset to be detached")
	}
	last := f.queue.jobs[len(f.queue.jobs)-1]
	if last.Queue != jobqueue.QueueDeletion {
		t.Fatalf("expected deletion job, got %s", last.Queue)
	}
}
