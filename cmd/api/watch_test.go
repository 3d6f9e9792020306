package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherStopsAfterTargetJob(t *testing.T) {
	color.NoColor = true
	mux := http.NewServeMux()
	mux.HandleFunc("/api/queue/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"queue_update\",\"queue\":[{\"id\":\"job-1\",\"filename\":\"a.pdf\",\"status\":\"processing\",\"percent\":36,\"message\":\"Chunk 1/3 complete\"}]}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"job_complete\",\"job_id\":\"job-0\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"job_complete\",\"job_id\":\"job-1\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"keepalive\"}\n\n")
	})
	mux.HandleFunc("/api/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-1","filename":"a.pdf","status":"complete","outputs":{"has_markdown":true}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	w := &watcher{
		server: srv.URL,
		target: "job-1",
		client: srv.Client(),
		bars:   make(map[string]*progressbar.ProgressBar),
	}
	require.NoError(t, w.run(context.Background()))
	assert.Empty(t, w.bars)
}

func TestWatcherFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	w := &watcher{server: srv.URL, client: srv.Client()}
	_, err := w.fetch(context.Background(), "missing")
	assert.ErrorContains(t, err, "404")

	err = w.run(context.Background())
	assert.Error(t, err)
}

// holdingStream は events を送ったあと接続を開いたままにします。
func holdingStream(events ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func TestWatcherStopsWhenTargetIsCancelled(t *testing.T) {
	color.NoColor = true
	mux := http.NewServeMux()
	mux.Handle("/api/queue/stream", holdingStream(
		`{"type":"queue_update","queue":[{"id":"job-1","status":"processing"},{"id":"job-2","status":"queued"}]}`,
		`{"type":"queue_update","queue":[{"id":"job-1","status":"processing"}]}`,
	))
	mux.HandleFunc("/api/jobs/job-2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-2","filename":"b.pdf","status":"error","error":{"code":"CANCELLED","message":"cancelled"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := &watcher{server: srv.URL, target: "job-2", client: srv.Client(), bars: make(map[string]*progressbar.ProgressBar)}
	require.NoError(t, w.run(ctx))
	assert.NoError(t, ctx.Err(), "watch should stop without waiting for the deadline")
}

func TestWatcherStopsWhenTargetAlreadyFinished(t *testing.T) {
	color.NoColor = true
	mux := http.NewServeMux()
	mux.Handle("/api/queue/stream", holdingStream(`{"type":"queue_update","queue":[]}`))
	mux.HandleFunc("/api/jobs/job-9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-9","filename":"done.pdf","status":"complete","outputs":{"has_json":true}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w := &watcher{server: srv.URL, target: "job-9", client: srv.Client(), bars: make(map[string]*progressbar.ProgressBar)}
	require.NoError(t, w.run(ctx))
	assert.NoError(t, ctx.Err())
}

func TestWatcherKeepsWaitingForQueuedTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/api/queue/stream", holdingStream(`{"type":"queue_update","queue":[]}`))
	mux.HandleFunc("/api/jobs/job-3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"job-3","status":"queued"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w := &watcher{server: srv.URL, target: "job-3", client: srv.Client(), bars: make(map[string]*progressbar.ProgressBar)}
	require.NoError(t, w.run(ctx))
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}
