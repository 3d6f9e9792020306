package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/results"
	"github.com/yourusername/doc-forge/internal/storage"
)

const minimalPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []jobs.Submission
}

func (f *fakeSubmitter) Submit(ctx context.Context, sub jobs.Submission) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	return &jobs.Job{ID: fmt.Sprintf("job-%d", len(f.subs)), Filename: sub.Filename, Status: jobs.StatusQueued}, nil
}

type pollerFixture struct {
	poller    *Poller
	source    *DirSource
	submitter *fakeSubmitter
	tracker   *jobs.SQLiteStore
	writer    *results.Writer
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	dir := t.TempDir()

	source, err := NewDirSource(
		filepath.Join(dir, "inbox"),
		filepath.Join(dir, "inbox", "done"),
		filepath.Join(dir, "inbox", "results"),
		zerolog.Nop(),
	)
	require.NoError(t, err)

	store, err := jobs.OpenSQLite(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	local := storage.NewLocal(filepath.Join(dir, "uploads"), filepath.Join(dir, "outputs"))
	require.NoError(t, local.EnsureDirs())
	writer := results.NewWriter(local.OutputDir)

	sub := &fakeSubmitter{}
	p, err := NewPoller(Config{
		Source:      source,
		Tracker:     store,
		Submitter:   sub,
		Artifacts:   writer,
		Uploads:     local,
		Settings:    store,
		MaxFileSize: 1 << 20,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	return &pollerFixture{poller: p, source: source, submitter: sub, tracker: store, writer: writer}
}

func (f *pollerFixture) drop(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.source.Inbox, name), []byte(content), 0o644))
}

func TestPollOnceQueuesNewFilesOnce(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.drop(t, "report.pdf", minimalPDF)

	ids, err := f.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	require.Len(t, f.submitter.subs, 1)
	sub := f.submitter.subs[0]
	assert.Equal(t, "report.pdf", sub.Filename)
	assert.Equal(t, pdf.DefaultOptions(), sub.Options)
	assert.FileExists(t, sub.SourcePath)

	rf, err := f.tracker.RemoteByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.RemoteQueued, rf.Status)
	assert.Equal(t, "report.pdf", rf.Name)

	ids, err = f.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, f.submitter.subs, 1)
}

func TestPollOnceRejectsInvalidFiles(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.drop(t, "notes.pdf", "plain text, not a pdf")

	ids, err := f.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, f.submitter.subs)

	assert.NoFileExists(t, filepath.Join(f.source.Inbox, "notes.pdf"))
	assert.FileExists(t, filepath.Join(f.source.Done, "notes.pdf"))

	items, err := f.source.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOnJobCompleteUploadsResults(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.drop(t, "report.pdf", minimalPDF)

	ids, err := f.poller.PollOnce(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	merged := &pdf.MergedResult{Text: "# Report", Metadata: pdf.Metadata{ChunkCount: 1}}
	_, err = f.writer.Write(ids[0], "report.pdf", merged, pdf.DefaultOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, f.poller.OnJobComplete(ctx, jobs.Completion{JobID: ids[0], Filename: "report.pdf", Success: true}))

	md, err := os.ReadFile(filepath.Join(f.source.Results, "report_output", "report.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Report", string(md))
	assert.FileExists(t, filepath.Join(f.source.Results, "report_output", "report.json"))
	assert.NoFileExists(t, filepath.Join(f.source.Results, "report_output", "report_images.zip"))

	assert.FileExists(t, filepath.Join(f.source.Done, "report.pdf"))
	assert.NoFileExists(t, filepath.Join(f.source.Inbox, "report.pdf"))

	rf, err := f.tracker.RemoteByJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, jobs.RemoteDone, rf.Status)
}

func TestOnJobCompleteFailureMovesWithoutUpload(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.drop(t, "broken.pdf", minimalPDF)

	ids, err := f.poller.PollOnce(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	require.NoError(t, f.poller.OnJobComplete(ctx, jobs.Completion{JobID: ids[0], Filename: "broken.pdf", Success: false}))

	assert.NoDirExists(t, filepath.Join(f.source.Results, "broken_output"))
	assert.FileExists(t, filepath.Join(f.source.Done, "broken.pdf"))

	rf, err := f.tracker.RemoteByJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, jobs.RemoteFailed, rf.Status)
}

func TestOnJobCompleteIgnoresUnrelatedJobs(t *testing.T) {
	f := newPollerFixture(t)
	assert.NoError(t, f.poller.OnJobComplete(context.Background(), jobs.Completion{JobID: "web-upload", Success: true}))
}

func TestProcessTaskHandlesCompletionTask(t *testing.T) {
	f := newPollerFixture(t)
	ctx := context.Background()
	f.drop(t, "task.pdf", minimalPDF)

	ids, err := f.poller.PollOnce(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	task, err := jobs.NewCompletionTask(jobs.Completion{JobID: ids[0], Filename: "task.pdf", Success: false})
	require.NoError(t, err)
	require.NoError(t, f.poller.ProcessTask(ctx, task))
	assert.FileExists(t, filepath.Join(f.source.Done, "task.pdf"))
}

func TestRunPollsOnWake(t *testing.T) {
	f := newPollerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		f.poller.Run(ctx, time.Hour, wake)
		close(done)
	}()

	f.drop(t, "later.pdf", minimalPDF)
	wake <- struct{}{}

	assert.Eventually(t, func() bool {
		f.submitter.mu.Lock()
		defer f.submitter.mu.Unlock()
		return len(f.submitter.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
