// Package configs provides files embedded into the imgscout binary.
//
// Templates are embedded at build time using Go's //go:embed directive so
// every distribution carries them:
//   - config.example.yaml: written by `imgscout init` into a new data
//     directory as config.yaml.
//   - tags.default.yaml: the built-in tag definitions used when
//     metadata.tag_defs is empty (see internal/extract).
//
// Configuration hierarchy (see internal/config Load()):
//  1. Hardcoded defaults (internal/config NewConfig())
//  2. <datadir>/config.yaml
//  3. Environment variables (IMGSCOUT_*)
package configs

import _ "embed"

// ConfigTemplate is the commented config.yaml for a new data directory.
//
//go:embed config.example.yaml
var ConfigTemplate string

// DefaultTagDefs is the built-in tag definition file.
//
//go:embed tags.default.yaml
var DefaultTagDefs []byte
