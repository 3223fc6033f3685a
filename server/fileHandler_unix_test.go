//go:build unix

package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"
)

func TestFileHandlerNamedPipe(t *testing.T) {
	root := newTestTree(t)
	if err := syscall.Mkfifo(filepath.Join(root, "pipe"), 0o644); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	if err := os.Symlink("pipe", filepath.Join(root, "to-pipe")); err != nil {
		t.Skipf("symlink: %v", err)
	}
	h := newTestHandler(t, root)

	for _, target := range []string{"/pipe", "/to-pipe"} {
		done := make(chan *httptest.ResponseRecorder, 1)
		go func() { done <- serveRecorded(h, "GET", target) }()
		select {
		case rec := <-done:
			if rec.Code != http.StatusNotFound {
				t.Errorf("GET %s status = %d, want 404", target, rec.Code)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("GET %s blocked opening a pipe", target)
		}
	}
}

func TestFileHandlerLengthFromOpenFile(t *testing.T) {
	root := newTestTree(t)
	h := newTestHandler(t, root)

	for _, content := range []string{"one", "grown to a longer body"} {
		writeFile(t, filepath.Join(root, "changing.txt"), content)
		rec := serveRecorded(h, "GET", "/changing.txt")
		if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(content)) {
			t.Errorf("Content-Length = %s, want %d", got, len(content))
		}
		if rec.Body.String() != content {
			t.Errorf("body = %q, want %q", rec.Body.String(), content)
		}
	}
}
