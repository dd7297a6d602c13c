package config

import "errors"

var (
	// ErrConfigNotFound is returned when no config file exists at the
	// requested path.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigVersionTooNew is returned when a config file declares a
	// schema version newer than this binary supports.
	ErrConfigVersionTooNew = errors.New("config version too new")
)
