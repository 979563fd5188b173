package config

import (
	"errors"
	"fmt"
)

// Errors returned by configuration operations.
var (
	// ErrFileNotFound indicates no configuration file could be located.
	ErrFileNotFound = errors.New("config file not found")

	// ErrNoServers indicates the configuration declares no servers.
	ErrNoServers = errors.New("no servers configured")
)

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError describes an invalid server entry.
type ValidationError struct {
	// Server is the id of the offending entry, or its index when the id
	// itself is missing.
	Server string
	// Field is the invalid field.
	Field string
	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("server %s: %s: %s", e.Server, e.Field, e.Message)
}
