package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pinshare/pinshare/internal/gateway"
	"github.com/pinshare/pinshare/internal/logging"
)

func init() {
	logging.InitNop()
}

// nodeCalls counts requests per API command.
type nodeCalls struct {
	adds     atomic.Int32
	versions atomic.Int32
}

// fakeNode mimics /api/v0/add and /api/v0/version of an IPFS node.
func fakeNode(t *testing.T, hash string, got *[]byte) (*httptest.Server, *nodeCalls) {
	t.Helper()
	calls := &nodeCalls{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v0/version" {
			calls.versions.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"Version":"0.29.0","Commit":"","Repo":"15","System":"amd64/linux","Golang":"go1.22"}`)
			return
		}
		if r.Method != "POST" || r.URL.Path != "/api/v0/add" {
			http.NotFound(w, r)
			return
		}
		calls.adds.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "project" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"Message":"unauthorized","Code":0,"Type":"error"}`)
			return
		}
		if r.URL.Query().Get("pin") != "true" {
			t.Errorf("expected pin=true, got query %s", r.URL.RawQuery)
		}

		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("expected multipart body: %v", err)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			t.Errorf("expected a file part: %v", err)
			return
		}
		if part.FileName() == "" {
			t.Errorf("expected a file name on the part")
		}
		data, _ := io.ReadAll(part)
		if got != nil {
			*got = data
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"Name":"file","Hash":%q,"Size":"%d"}`, hash, len(data))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestAdd(t *testing.T) {
	var got []byte
	srv, _ := fakeNode(t, "QmExampleHash123", &got)
	g := New(Config{APIURL: srv.URL, ProjectID: "project", ProjectSecret: "secret"})

	res, err := g.Add(context.Background(), "ten.bin", []byte("0123456789"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Path != "QmExampleHash123" {
		t.Errorf("expected QmExampleHash123, got %s", res.Path)
	}
	if string(got) != "0123456789" {
		t.Errorf("node received %q", got)
	}
}

func TestAddReusesShell(t *testing.T) {
	srv, calls := fakeNode(t, "QmExampleHash123", nil)
	g := New(Config{APIURL: srv.URL, ProjectID: "project", ProjectSecret: "secret"})

	for i := 0; i < 3; i++ {
		if _, err := g.Add(context.Background(), "f", []byte("x")); err != nil {
			t.Fatalf("add %d: %v", i+1, err)
		}
	}
	if n := calls.adds.Load(); n != 3 {
		t.Errorf("expected 3 adds, got %d", n)
	}
	if n := calls.versions.Load(); n > 1 {
		t.Errorf("expected at most one version request, got %d", n)
	}
}

func TestAddBadCredentials(t *testing.T) {
	srv, _ := fakeNode(t, "QmX", nil)
	g := New(Config{APIURL: srv.URL, ProjectID: "project", ProjectSecret: "wrong"})

	if _, err := g.Add(context.Background(), "f", []byte("x")); err == nil {
		t.Fatal("expected error for rejected credentials")
	}
}

func TestAddEmptyHash(t *testing.T) {
	srv, _ := fakeNode(t, "", nil)
	g := New(Config{APIURL: srv.URL, ProjectID: "project", ProjectSecret: "secret"})

	_, err := g.Add(context.Background(), "f", []byte("x"))
	if !errors.Is(err, gateway.ErrEmptyPath) {
		t.Errorf("expected ErrEmptyPath, got %v", err)
	}
}

func TestAddHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := New(Config{APIURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := g.Add(ctx, "f", []byte("x"))
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Add did not return after context cancellation")
	}
}
