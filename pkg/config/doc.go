// Package config loads the engine configuration from CUE files. The
// configuration is unified with an embedded CUE schema, decoded into Go
// structs, cross-checked with struct validation tags, and normalized
// (durations and timestamps parsed, defaults applied, category/source
// references resolved).
//
// Signing key secrets never appear in configuration: the config
// declares key ids and validity windows only, and the master key
// material is read from the environment at runtime.
package config
