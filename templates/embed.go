// Package templates embeds the default configuration and an example
// production request.
package templates

import "embed"

//go:embed config.yaml l3-request.yaml
var FS embed.FS
