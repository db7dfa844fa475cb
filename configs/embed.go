// Package configs holds configuration templates compiled into the binary,
// so `hybridrag config init` works for every kind of install.
package configs

import _ "embed"

// ConfigTemplate is the commented starting point written by
// `hybridrag config init`. Every key it sets matches the built-in default.
//
//go:embed config.example.yaml
var ConfigTemplate string
