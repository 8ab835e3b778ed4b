// Package schemas embeds the per-feature request/response JSON schemas.
package schemas

import "embed"

//go:embed *.json
var FS embed.FS
