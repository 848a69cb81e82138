// Package config handles application configuration loading and validation.
//
// Configuration is loaded from config.yml and validated using struct tags.
// Defaults are applied after load so a minimal file is enough to get a
// working setup.
package config
