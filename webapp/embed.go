// Package webapp provides the embedded page templates and static assets.
package webapp

import "embed"

//go:embed templates static
var Assets embed.FS
