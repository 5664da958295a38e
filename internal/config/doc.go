// Package config loads the swapd runtime configuration from a JSON or YAML file
// with SWAPMCP_ prefixed environment overrides, and applies defaults for the
// aggregator, session manager, executor and storage backends.
package config
