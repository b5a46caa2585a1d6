// Package upload implements the single-file upload flow: capture a file,
// pin it through a storage gateway and present the shareable result.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/gateway"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
	"github.com/pinshare/pinshare/internal/qrcode"
)

// MsgUploadFailed is the alert shown when a submission fails.
const MsgUploadFailed = "An error occurred while uploading. Please try again."

var (
	// ErrNoFile is returned by Submit when no file has been captured.
	ErrNoFile = errors.New("no file selected")

	// ErrSubmitInProgress is returned by Submit while another submission
	// of the same flow is running.
	ErrSubmitInProgress = errors.New("an upload is already in progress")
)

// SignOutFunc ends the user's session.
type SignOutFunc func(ctx context.Context) error

// Result is a successful upload.
type Result struct {
	// Path is the content identifier returned by the gateway.
	Path string
	// URL is https://<gateway-host>/ipfs/<Path>.
	URL string
	// QR is a PNG QR code of URL.
	QR []byte
}

// QRDataURI returns the QR code as an inline image source.
func (r *Result) QRDataURI() string {
	return qrcode.DataURI(r.QR)
}

// Config configures a Flow.
type Config struct {
	// PublicHost is the gateway host used in result links.
	PublicHost string
	// QRSize is the QR code edge length in pixels.
	QRSize int
}

// View is a snapshot of the flow for rendering.
type View struct {
	FileName  string
	HasFile   bool
	Loading   bool
	ShowLinks bool
	Result    *Result
}

// Flow is one browser's upload flow. It is safe for concurrent use; at most
// one submission runs at a time.
type Flow struct {
	gw      gateway.Gateway
	cfg     Config
	signOut SignOutFunc

	mu        sync.Mutex
	name      string
	buf       []byte
	gen       uint64 // bumped by every capture
	loading   bool
	showLinks bool
	result    *Result
	alert     string
}

// New creates a flow that pins through gw and signs out through signOut.
func New(gw gateway.Gateway, cfg Config, signOut SignOutFunc) *Flow {
	if cfg.PublicHost == "" {
		cfg.PublicHost = gateway.DefaultPublicHost
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = qrcode.DefaultSize
	}
	return &Flow{gw: gw, cfg: cfg, signOut: signOut}
}

// Capture reads r fully and makes it the pending upload, replacing any
// previous one. On a read error the previous buffer is kept.
func (f *Flow) Capture(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	f.mu.Lock()
	f.name = name
	f.buf = data
	f.gen++
	f.mu.Unlock()

	logging.WithContext(ctx).Debug("file captured", zap.String("name", name), zap.Int("size", len(data)))
	return nil
}

// Submit pins the pending upload. A gateway failure hides the result panel,
// raises MsgUploadFailed and is returned; the loading state is cleared in
// every case.
func (f *Flow) Submit(ctx context.Context) (err error) {
	f.mu.Lock()
	if f.loading {
		f.mu.Unlock()
		return ErrSubmitInProgress
	}
	if f.buf == nil {
		f.mu.Unlock()
		return ErrNoFile
	}
	f.loading = true
	f.alert = ""
	name, data, gen := f.name, f.buf, f.gen
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.loading = false
		// Keep a file captured while this one was in flight.
		if f.gen == gen {
			f.buf = nil
			f.name = ""
		}
		f.mu.Unlock()
	}()

	log := logging.WithContext(ctx)
	start := time.Now()
	res, err := f.add(ctx, name, data)
	metrics.RecordUpload(int64(len(data)), err == nil)
	if err != nil {
		log.Error("upload failed",
			zap.String("gateway", f.gw.Name()),
			zap.String("name", name),
			zap.Error(err))
		f.mu.Lock()
		f.showLinks = false
		f.alert = MsgUploadFailed
		f.mu.Unlock()
		return err
	}

	log.Info("upload pinned",
		zap.String("gateway", f.gw.Name()),
		zap.String("name", name),
		zap.Int("size", len(data)),
		zap.String("path", res.Path),
		zap.Duration("duration", time.Since(start)))

	f.mu.Lock()
	f.result = res
	f.showLinks = true
	f.mu.Unlock()
	return nil
}

func (f *Flow) add(ctx context.Context, name string, data []byte) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway panic: %v", r)
		}
	}()

	out, err := f.gw.Add(ctx, name, bytes.Clone(data))
	if err != nil {
		return nil, err
	}
	if out.Path == "" {
		return nil, gateway.ErrEmptyPath
	}

	url := gateway.PublicURL(f.cfg.PublicHost, out.Path)
	qr, err := qrcode.PNG(url, f.cfg.QRSize)
	if err != nil {
		return nil, err
	}
	return &Result{Path: out.Path, URL: url, QR: qr}, nil
}

// SignOut invokes the sign-out action the flow was created with.
func (f *Flow) SignOut(ctx context.Context) error {
	if f.signOut == nil {
		return nil
	}
	return f.signOut(ctx)
}

// View returns a snapshot for rendering.
func (f *Flow) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := View{
		FileName:  f.name,
		HasFile:   f.buf != nil,
		Loading:   f.loading,
		ShowLinks: f.showLinks,
	}
	if f.showLinks {
		v.Result = f.result
	}
	return v
}

// TakeAlert returns the pending alert, if any, and clears it.
func (f *Flow) TakeAlert() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.alert
	f.alert = ""
	return a
}

// Discard drops the pending upload. Called when the flow is unmounted.
func (f *Flow) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = nil
	f.name = ""
	f.gen++
}
