// Package config loads settings from an optional config.yaml and RECOLLECT_
// environment variables with viper, then validates them.
package config
