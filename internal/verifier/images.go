package verifier

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Image is a registered verifier image.
type Image struct {
	Name string `json:"name"`
}

// Images maps a language tag to the image running its tests.
type Images map[string]Image

// DefaultImages returns the verifier images shipped with the queue.
func DefaultImages() Images {
	return Images{
		"java":       {Name: "singpath/verifier2-java"},
		"javascript": {Name: "singpath/verifier2-javascript"},
		"python":     {Name: "singpath/verifier2-python"},
	}
}

// LoadImages reads a registry from a JSON file shaped as
// {"<language>": {"name": "<image>"}}.
func LoadImages(path string) (Images, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image registry: %w", err)
	}

	var images Images
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, fmt.Errorf("failed to parse image registry %s: %w", path, err)
	}
	return images, nil
}

// Supports reports whether language has a registered image.
func (i Images) Supports(language string) bool {
	img, ok := i[language]
	return ok && img.Name != ""
}

// Ref returns the image reference for language at tag.
func (i Images) Ref(language, tag string) (string, bool) {
	if !i.Supports(language) {
		return "", false
	}
	if tag == "" {
		tag = DefaultTag
	}
	return i[language].Name + ":" + tag, true
}

// Refs lists every image reference at tag, sorted.
func (i Images) Refs(tag string) []string {
	refs := make([]string, 0, len(i))
	for lang := range i {
		if ref, ok := i.Ref(lang, tag); ok {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}
