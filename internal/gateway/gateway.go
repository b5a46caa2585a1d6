// Package gateway defines the content-addressed storage gateway contract.
package gateway

import (
	"context"
	"errors"
	"strings"
)

// DefaultPublicHost serves result links when none is configured.
const DefaultPublicHost = "cloudflare-ipfs.com"

// ErrEmptyPath is returned when a gateway accepts content but reports no
// identifier for it.
var ErrEmptyPath = errors.New("gateway returned an empty content path")

// AddResult is the gateway's answer to an add.
type AddResult struct {
	// Path is the content identifier, e.g. "QmExampleHash123".
	Path string
}

// Gateway adds and pins content on a content-addressed network.
type Gateway interface {
	// Add uploads data and pins it. name is informational only.
	Add(ctx context.Context, name string, data []byte) (AddResult, error)

	// Name identifies the backend in logs and metrics ("ipfs", "s3").
	Name() string
}

// PublicURL builds https://<host>/ipfs/<path>. The path is a content path
// and is used as is, so "Qm.../file.txt" keeps its slash.
func PublicURL(host, path string) string {
	if host == "" {
		host = DefaultPublicHost
	}
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")
	return "https://" + host + "/ipfs/" + strings.TrimPrefix(path, "/")
}
