package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// readFlagFile parses a YAML mapping of long flag names to scalar values,
// e.g. "mru: 1492" or "no-tun: true". Sequences are joined with commas
// so list flags such as routes and dns may be written as YAML lists.
func readFlagFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for key, node := range raw {
		switch node.Kind {
		case yaml.ScalarNode:
			values[key] = node.Value
		case yaml.SequenceNode:
			items := make([]string, 0, len(node.Content))
			for _, item := range node.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("config key %s: list items must be scalars", key)
				}
				items = append(items, item.Value)
			}
			values[key] = strings.Join(items, ",")
		default:
			return nil, fmt.Errorf("config key %s: expected a scalar or a list", key)
		}
	}
	return values, nil
}

// applyFlagValues sets every known flag the command line did not change
// and returns how many were set. Unknown keys and bad values are logged
// and skipped.
func applyFlagValues(flags *pflag.FlagSet, values map[string]string, logger *zap.Logger) int {
	applied := 0
	for key, val := range values {
		if flags.Lookup(key) == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if flags.Changed(key) {
			logger.Debug("Config key overridden by flag", zap.String("key", key))
			continue
		}
		if err := flags.Set(key, val); err != nil {
			logger.Warn("Invalid config value, skipping",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
			continue
		}
		applied++
	}
	return applied
}
