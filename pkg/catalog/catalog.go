// Package catalog imports track definitions from YAML files. Each file
// describes one track; the file name (without extension) is the default slug.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jxucoder/livelabs/pkg/model"
)

// TrackSaver persists imported tracks.
type TrackSaver interface {
	UpsertTrack(ctx context.Context, track *model.Track) error
}

// Load reads a single track file or every .yaml/.yml file in a directory.
func Load(path string) ([]*model.Track, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if !info.IsDir() {
		t, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		return []*model.Track{t}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading tracks directory: %w", err)
	}

	var tracks []*model.Track
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		t, err := ParseFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[t.Slug]; ok {
			return nil, fmt.Errorf("duplicate track slug %q in %s and %s", t.Slug, prev, entry.Name())
		}
		seen[t.Slug] = entry.Name()
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// Import loads tracks from path and upserts them. It returns the imported
// tracks.
func Import(ctx context.Context, saver TrackSaver, path string) ([]*model.Track, error) {
	tracks, err := Load(path)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, t := range tracks {
		t.UpdatedAt = now
		if err := saver.UpsertTrack(ctx, t); err != nil {
			return nil, fmt.Errorf("saving track %s: %w", t.Slug, err)
		}
	}
	return tracks, nil
}

// ParseFile parses and validates one track file.
func ParseFile(path string) (*model.Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	t, err := Parse(data, strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml"))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	return t, nil
}

// Parse decodes a track document. defaultSlug is used when the document has
// no slug.
func Parse(data []byte, defaultSlug string) (*model.Track, error) {
	var t model.Track
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if t.Slug == "" {
		t.Slug = defaultSlug
	}
	if t.ID == "" {
		t.ID = t.Slug
	}
	if t.Title == "" {
		t.Title = t.Slug
	}
	for i := range t.Steps {
		if t.Steps[i].Order == 0 {
			t.Steps[i].Order = i + 1
		}
	}
	t.SortSteps()
	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the structural invariants of a track.
func Validate(t *model.Track) error {
	if t.Slug == "" {
		return fmt.Errorf("slug is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, s := range t.Steps {
		if s.Order != i+1 {
			return fmt.Errorf("step orders must be 1..%d without gaps or duplicates (got %d at position %d)", len(t.Steps), s.Order, i+1)
		}
	}
	for _, v := range t.EnvTemplate {
		if v.Name == "" {
			return fmt.Errorf("env_template entries need a name")
		}
	}
	if t.App == nil {
		return nil
	}
	if c := t.App.Container; c != nil {
		if c.Image == "" {
			return fmt.Errorf("app.container.image is required")
		}
		switch c.Lifecycle {
		case "":
			c.Lifecycle = model.LifecycleSession
		case model.LifecycleSession, model.LifecyclePerStep:
		default:
			return fmt.Errorf("app.container.lifecycle must be session or per_step, got %q", c.Lifecycle)
		}
		for _, p := range c.Ports {
			if p.Container <= 0 {
				return fmt.Errorf("app.container.ports entries need a container port")
			}
		}
	}
	if al := t.App.AutoLogin; al != nil {
		switch al.Type {
		case model.AutoLoginURLParams, model.AutoLoginCookies:
		default:
			return fmt.Errorf("app.auto_login.type must be url_params or cookies, got %q", al.Type)
		}
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
