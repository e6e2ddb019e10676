package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// TrackedItem is one statically configured course to watch. Immutable
// after load; the scheduler drops it only when the site reports the
// course gone.
type TrackedItem struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	CourseNumber int    `json:"course_number"`
}

// LoadRegistry reads the tracked-item file. An absent or malformed file
// is an error: there is nothing sensible to watch without it.
func LoadRegistry(path string) ([]TrackedItem, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}

	var items []TrackedItem
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("registry %s: trailing data", path)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("registry %s: no tracked items", path)
	}
	seen := map[int]string{}
	for i, it := range items {
		if strings.TrimSpace(it.Name) == "" {
			return nil, fmt.Errorf("registry %s: item %d: name is required", path, i)
		}
		if strings.TrimSpace(it.URL) == "" {
			return nil, fmt.Errorf("registry %s: item %q: url is required", path, it.Name)
		}
		if it.CourseNumber <= 0 {
			return nil, fmt.Errorf("registry %s: item %q: course_number must be positive", path, it.Name)
		}
		if prev, dup := seen[it.CourseNumber]; dup {
			return nil, fmt.Errorf("registry %s: course %d listed twice (%q and %q)", path, it.CourseNumber, prev, it.Name)
		}
		seen[it.CourseNumber] = it.Name
	}
	return items, nil
}
