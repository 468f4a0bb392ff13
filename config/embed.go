package config

import _ "embed"

// Default holds the embedded baseline configuration. On-disk conf.yaml and
// environment variables are merged on top of it.
//
//go:embed conf.yaml
var Default []byte
