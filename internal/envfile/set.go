package envfile

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Set is an environment snapshot: a plain key/value mapping that is never
// written back into the process environment. Operations return new Sets so
// a merged environment can be threaded explicitly to each spawn call.
type Set map[string]string

// InvalidPortError reports a port key whose value is not a positive integer.
type InvalidPortError struct {
	Key   string
	Value string
}

func (e *InvalidPortError) Error() string {
	return fmt.Sprintf("%s=%q is not a valid port: expected a positive integer", e.Key, e.Value)
}

// FromEnviron converts os.Environ-shaped KEY=VALUE pairs into a Set.
// Entries without '=' are skipped; later duplicates win.
func FromEnviron(environ []string) Set {
	s := make(Set, len(environ))
	for _, kv := range environ {
		if idx := strings.Index(kv, "="); idx > 0 {
			s[kv[:idx]] = kv[idx+1:]
		}
	}
	return s
}

// Merge returns a new Set with overlay entries taking precedence over s.
// Neither input is modified.
func (s Set) Merge(overlay Set) Set {
	merged := make(Set, len(s)+len(overlay))
	for k, v := range s {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// With returns a copy of s with key set to value.
func (s Set) With(key, value string) Set {
	out := make(Set, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[key] = value
	return out
}

// Lookup reports the value for key and whether it is present.
func (s Set) Lookup(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Environ renders the Set as sorted KEY=VALUE pairs, the shape exec.Cmd
// expects. Sorted for stable output in logs and tests.
func (s Set) Environ() []string {
	out := make([]string, 0, len(s))
	for k, v := range s {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// PrependPath returns a copy of s with dir prepended to the path-list
// variable key. An existing value is preserved after the platform's path
// list separator.
func (s Set) PrependPath(key, dir string) Set {
	if dir == "" {
		return s
	}
	value := dir
	if prior, ok := s[key]; ok && prior != "" {
		value = dir + string(os.PathListSeparator) + prior
	}
	return s.With(key, value)
}

// ResolvePort reads an optional port key. Absent means def; present means
// the value must parse as a positive integer.
func (s Set) ResolvePort(key string, def int) (int, error) {
	raw, ok := s[key]
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, &InvalidPortError{Key: key, Value: raw}
	}
	return n, nil
}

// Redacted returns a copy of the Set safe for logging: values of keys that
// look like credentials (containing "token" or "key") are masked.
func (s Set) Redacted() map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "token") || strings.Contains(lower, "key") {
			out[k] = "***REDACTED***"
		} else {
			out[k] = v
		}
	}
	return out
}
