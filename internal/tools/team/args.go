package team

import "fmt"

// requireString extracts a non-empty string from args by key. The error is
// an ErrBadArguments wrap so the dispatcher reports invalid params.
func requireString(args map[string]any, key string) (string, error) {
	v, exists := args[key]
	if !exists || v == nil {
		return "", fmt.Errorf("%w: %s is required", ErrBadArguments, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrBadArguments, key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", ErrBadArguments, key)
	}
	return s, nil
}

// optionalString extracts a string from args by key, empty when absent.
func optionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// optionalInt extracts a whole number from args by key (JSON numbers decode
// as float64), returning the fallback when absent.
func optionalInt(args map[string]any, key string, fallback int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// optionalBool extracts a bool from args by key, returning the fallback
// when absent.
func optionalBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

// requireStringSlice extracts a non-empty array of strings from args by key.
func requireStringSlice(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an array of strings", ErrBadArguments, key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must contain only strings, got %T", ErrBadArguments, key, item)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s must not be empty", ErrBadArguments, key)
	}
	return out, nil
}
