// Package config defines the prismfs configuration model: YAML file loading,
// environment overrides, defaults, and validation.
package config
