// ABOUTME: Minimal flag parsing for subcommands
// ABOUTME: Accepts "--name value" and "--name=value" for a fixed set of names

package main

import (
	"fmt"
	"slices"
	"strings"
)

// parseFlags reads args into a map keyed by flag name (without dashes).
// Only the listed names are accepted; positional arguments are rejected.
func parseFlags(args []string, names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !slices.Contains(names, name) {
			return nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = value
	}
	return values, nil
}

// required returns the trimmed values of the named flags, failing on the first missing one.
func required(values map[string]string, names ...string) error {
	for _, name := range names {
		v := strings.TrimSpace(values[name])
		if v == "" {
			return fmt.Errorf("--%s flag is required", name)
		}
		values[name] = v
	}
	return nil
}
