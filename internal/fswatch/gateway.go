package fswatch

import (
	"os"
	"path/filepath"
)

// Gateway abstracts raw file content access for the session engine.
type Gateway interface {
	ReadFile(path string) (string, error)
	WriteFile(path string, content string) error
}

// OSGateway reads and writes files on the local file system.
type OSGateway struct{}

// NewOSGateway returns the local file system gateway.
func NewOSGateway() *OSGateway {
	return &OSGateway{}
}

// ReadFile returns the file's content as a string.
func (g *OSGateway) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile replaces the file's content.
func (g *OSGateway) WriteFile(path string, content string) error {
	return os.WriteFile(filepath.Clean(path), []byte(content), 0o644)
}
