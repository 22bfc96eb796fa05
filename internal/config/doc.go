// Package config loads slidecache settings from a YAML file, overlays
// environment variables and watches the file for runtime changes.
package config
