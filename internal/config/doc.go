// Package config loads the harbor-support YAML configuration with
// ${VAR} environment expansion and human-readable duration strings.
package config
