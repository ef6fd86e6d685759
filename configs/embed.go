// Package configs provides the embedded configuration template for fathom.
//
// The template is embedded at build time so `fathom config init` can write
// a commented starter config regardless of how the binary was installed.
package configs

import _ "embed"

// ExampleConfig is the commented starter configuration.
//
//go:embed fathom.example.yaml
var ExampleConfig []byte
