// Package config holds the immutable multi-proxy configuration.
//
// A Config is assembled once at startup from an optional YAML file and
// command-line flags, validated, and then passed by pointer to the
// supervisor. Nothing in this package is mutated after Validate succeeds.
package config
