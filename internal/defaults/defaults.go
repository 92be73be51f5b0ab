// Package defaults provides embedded copies of the example config and
// system prompt files for the valet init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PromptMD is the example system prompt file.
//
//go:embed prompt.example.md
var PromptMD []byte
