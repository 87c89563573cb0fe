// Package config defines the approval-flow service configuration and its
// loader. Values resolve in order: built-in defaults, then the YAML file,
// then APPROVALFLOW_* environment variables.
package config
