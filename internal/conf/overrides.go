package conf

import (
	"fmt"
	"slices"

	"github.com/spf13/viper"

	"github.com/tphakala/cardimages/internal/errors"
)

// ApplyOverrides merges a caller's configuration map into a copy of images.
//
// Only images.sizes.{ref,offset,crop} and images.base_path are honored, each
// individually; other keys belong to the caller and are ignored, as are
// values of the wrong shape. The merged settings are validated.
func ApplyOverrides(images ImageSettings, config map[string]any) (ImageSettings, error) {
	out := images
	out.Sizes = SizeSettings{
		Ref:    slices.Clone(images.Sizes.Ref),
		Offset: slices.Clone(images.Sizes.Offset),
		Crop:   slices.Clone(images.Sizes.Crop),
	}
	out.OutSize = slices.Clone(images.OutSize)
	out.Patterns = slices.Clone(images.Patterns)

	if len(config) == 0 {
		return out, nil
	}

	v := viper.New()
	// viper rewrites map keys in place; keep the caller's map intact
	if err := v.MergeConfigMap(cloneMap(config)); err != nil {
		return images, errors.New(fmt.Errorf("merging config overrides: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if _, ok := v.Get("images.sizes").(map[string]any); ok {
		for key, target := range map[string]*[]int{
			"ref":    &out.Sizes.Ref,
			"offset": &out.Sizes.Offset,
			"crop":   &out.Sizes.Crop,
		} {
			fullKey := "images.sizes." + key
			if !v.IsSet(fullKey) {
				continue
			}
			pair, err := toIntPair(v.Get(fullKey))
			if err != nil {
				return images, errors.New(fmt.Errorf("%s: %w", fullKey, err)).
					Component("conf").
					Category(errors.CategoryValidation).
					Build()
			}
			*target = pair
		}
	}

	if basePath, ok := v.Get("images.base_path").(string); ok {
		out.BasePath = basePath
	}

	if err := ValidateImageSettings(&out); err != nil {
		return images, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return out, nil
}

// toIntPair accepts the pair shapes a YAML or Go caller produces.
func toIntPair(value any) ([]int, error) {
	var items []any
	switch v := value.(type) {
	case []int:
		return slices.Clone(v), nil
	case [2]int:
		return []int{v[0], v[1]}, nil
	case []any:
		items = v
	default:
		return nil, fmt.Errorf("expected a pair of integers, got %T", value)
	}

	pair := make([]int, 0, len(items))
	for _, item := range items {
		switch n := item.(type) {
		case int:
			pair = append(pair, n)
		case int64:
			pair = append(pair, int(n))
		case float64:
			if n != float64(int(n)) {
				return nil, fmt.Errorf("expected integers, got %v", n)
			}
			pair = append(pair, int(n))
		default:
			return nil, fmt.Errorf("expected integers, got %T", item)
		}
	}
	return pair, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			v = cloneMap(nested)
		}
		out[k] = v
	}
	return out
}
