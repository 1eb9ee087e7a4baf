package importer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"idgov/internal/domain"
)

// Document is a demo data file. JSON documents parse as YAML.
type Document struct {
	Users  []UserData  `yaml:"users"`
	Groups []GroupData `yaml:"groups"`
	Roles  []RoleData  `yaml:"roles"`
}

// UserData describes one user to provision.
type UserData struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Email       string   `yaml:"email"`
	Role        string   `yaml:"role"`
	Group       string   `yaml:"group"`
	Department  string   `yaml:"department"`
	Permissions []string `yaml:"permissions"`
}

// GroupData describes one security group.
type GroupData struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// RoleData describes one custom role.
type RoleData struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// ReadFile loads a Document from path.
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes a Document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrValidation("demo data document is empty")
		}
		return nil, err
	}
	return &doc, nil
}
