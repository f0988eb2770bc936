package secrets

import (
	"fmt"
	"os"
	"strings"
)

// Static returns a Loader that always yields vals. Empty values are omitted.
func Static(vals map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(vals))
		for k, v := range vals {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// EnvLoader returns a Loader that reads the specified environment variables.
// Missing variables are silently omitted from the result map.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// FileLoader reads each key from the file at its path, trimming surrounding
// whitespace. A missing or empty file is an error.
func FileLoader(paths map[string]string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(paths))
		for k, p := range paths {
			raw, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", k, err)
			}
			v := strings.TrimSpace(string(raw))
			if v == "" {
				return nil, fmt.Errorf("read %s: %s is empty", k, p)
			}
			vals[k] = v
		}
		return vals, nil
	}
}

// Chain merges loaders in order; later loaders override earlier ones.
func Chain(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, l := range loaders {
			got, err := l()
			if err != nil {
				return nil, err
			}
			for k, v := range got {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
