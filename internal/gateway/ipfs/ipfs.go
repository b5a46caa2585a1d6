// Package ipfs implements gateway.Gateway on the IPFS HTTP API.
package ipfs

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/gateway"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
)

// DefaultAPIURL is the hosted IPFS API endpoint.
const DefaultAPIURL = "https://ipfs.infura.io:5001"

// Config configures the IPFS gateway.
type Config struct {
	APIURL        string
	ProjectID     string
	ProjectSecret string
	// Timeout is the HTTP client timeout; 0 disables it.
	Timeout time.Duration
}

// Gateway adds and pins content through an IPFS node's HTTP API.
type Gateway struct {
	sh *shell.Shell
}

// addResponse is the JSON object /api/v0/add returns per file.
type addResponse struct {
	Name string
	Hash string
	Size string
}

// New creates an IPFS gateway. One shell is shared by all calls.
func New(cfg Config) *Gateway {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &basicAuthTransport{
			id:     cfg.ProjectID,
			secret: cfg.ProjectSecret,
			next:   http.DefaultTransport,
		},
	}
	return &Gateway{sh: shell.NewShellWithClient(apiURL, client)}
}

var _ gateway.Gateway = (*Gateway)(nil)

// Name returns "ipfs".
func (g *Gateway) Name() string { return "ipfs" }

// Add uploads data with pinning enabled and returns its CID.
func (g *Gateway) Add(ctx context.Context, name string, data []byte) (gateway.AddResult, error) {
	start := time.Now()

	body, contentType, err := fileBody(name, data)
	if err != nil {
		return gateway.AddResult{}, fmt.Errorf("ipfs add %s: %w", name, err)
	}

	var out addResponse
	err = g.sh.Request("add").
		Option("pin", true).
		Header("Content-Type", contentType).
		Body(body).
		Exec(ctx, &out)
	if err == nil && out.Hash == "" {
		err = gateway.ErrEmptyPath
	}
	if err != nil {
		metrics.RecordGatewayOperation(g.Name(), "add", time.Since(start), false)
		return gateway.AddResult{}, fmt.Errorf("ipfs add %s: %w", name, err)
	}

	metrics.RecordGatewayOperation(g.Name(), "add", time.Since(start), true)
	logging.WithContext(ctx).Debug("ipfs add",
		zap.String("name", name),
		zap.Int("size", len(data)),
		zap.String("cid", out.Hash))
	return gateway.AddResult{Path: out.Hash}, nil
}

// fileBody encodes data as the single file part /api/v0/add expects.
func fileBody(name string, data []byte) (*bytes.Buffer, string, error) {
	if name == "" {
		name = "file"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// basicAuthTransport attaches the project credentials to every request.
type basicAuthTransport struct {
	id     string
	secret string
	next   http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.id == "" && t.secret == "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.id, t.secret)
	return t.next.RoundTrip(req)
}
