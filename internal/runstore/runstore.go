// Package runstore persists orchestration runs and their artifacts.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	ErrRunNotFound      = errors.New("run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Artifact names written by the storyboard pipeline.
const (
	ArtifactRound1Pictures  = "round1_pictures"
	ArtifactRound2Keyframes = "round2_keyframes"
	ArtifactRound1Raw       = "round1_raw"
	ArtifactRound2Raw       = "round2_raw"
	ArtifactPackage         = "package"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

type Run struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"` // round1, round2 or full
	UsedModel string         `json:"used_model"`
	Failures  []string       `json:"failures"`
	Meta      map[string]any `json:"meta,omitempty"`
	Artifacts []string       `json:"artifacts"`
	CreatedAt time.Time      `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (r *Run) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (r *Run) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

type Artifact struct {
	RunID       string
	Name        string
	ContentType string
	Body        []byte
	CreatedAt   time.Time
}

// JSONArtifact encodes v as an indented JSON artifact.
func JSONArtifact(name string, v any) (Artifact, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to encode artifact %s: %w", name, err)
	}
	return Artifact{Name: name, ContentType: ContentTypeJSON, Body: body}, nil
}

func TextArtifact(name, text string) Artifact {
	return Artifact{Name: name, ContentType: ContentTypeText, Body: []byte(text)}
}

type Store interface {
	SaveRun(ctx context.Context, run *Run, artifacts []Artifact) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetArtifact(ctx context.Context, runID, name string) (*Artifact, error)
}

func NewRunID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Locator is the retrievable address of an artifact.
func Locator(baseURL, runID, name string) string {
	return fmt.Sprintf("%s/v1/runs/%s/artifacts/%s", strings.TrimRight(baseURL, "/"), runID, name)
}
