package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrParse indicates the configuration document could not be parsed.
var ErrParse = errors.New("failed to parse configuration")

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// RuleDecodeError describes a rules entry that could not be decoded.
type RuleDecodeError struct {
	Index int
	Line  int
	Cause error
}

// Error implements the error interface.
func (e *RuleDecodeError) Error() string {
	return fmt.Sprintf("rule #%d (line %d): %v", e.Index, e.Line, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RuleDecodeError) Unwrap() error {
	return e.Cause
}

// document mirrors the top-level keys. Fields that need coercion are kept
// as raw nodes and interpreted by Parse.
type document struct {
	Host           yaml.Node            `yaml:"host"`
	Port           yaml.Node            `yaml:"port"`
	Debug          yaml.Node            `yaml:"debug"`
	Rules          yaml.Node            `yaml:"rules"`
	Log            LogConfig            `yaml:"log"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	Reload         ReloadConfig         `yaml:"reload"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	f, err := os.Open(absPath) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return LoadFromReader(f)
}

// LoadFromReader parses configuration read from r.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON document and applies defaults.
//
// host defaults to 127.0.0.1, port to 8080 when absent or outside
// (0, 65535), rules to an empty sequence when absent or not a sequence,
// and debug is coerced to a boolean. Rule entries that cannot be decoded
// are recorded in Config.Warnings and skipped.
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	var doc document
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	cfg := &Config{
		Host:           scalarString(&doc.Host),
		Port:           coercePort(&doc.Port),
		Debug:          coerceBool(&doc.Debug),
		Log:            doc.Log,
		Metrics:        doc.Metrics,
		Upstream:       doc.Upstream,
		CircuitBreaker: doc.CircuitBreaker,
		Reload:         doc.Reload,
		RateLimit:      doc.RateLimit,
	}
	cfg.Rules, cfg.Warnings = decodeRules(&doc.Rules)
	cfg.applyDefaults()

	return cfg, nil
}

// decodeRules decodes each sequence entry independently so one malformed
// entry never discards its siblings.
func decodeRules(node *yaml.Node) ([]RuleConfig, []error) {
	if node.Kind != yaml.SequenceNode {
		return nil, nil
	}

	out := make([]RuleConfig, 0, len(node.Content))
	var warnings []error

	for i, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			warnings = append(warnings, &RuleDecodeError{
				Index: i,
				Line:  item.Line,
				Cause: errors.New("rule must be a mapping"),
			})
			continue
		}

		var rc RuleConfig
		if err := item.Decode(&rc); err != nil {
			warnings = append(warnings, &RuleDecodeError{Index: i, Line: item.Line, Cause: err})
			continue
		}
		rc.Line = item.Line
		out = append(out, rc)
	}

	return out, warnings
}

func scalarString(node *yaml.Node) string {
	if node.Kind != yaml.ScalarNode || node.Tag == "!!null" {
		return ""
	}
	return strings.TrimSpace(node.Value)
}

// coercePort returns the port number or 0 when it is missing or not a
// number; applyDefaults handles the range check.
func coercePort(node *yaml.Node) int {
	s := scalarString(node)
	if s == "" {
		return 0
	}
	if port, err := strconv.Atoi(s); err == nil {
		return port
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int(f)) {
		return int(f)
	}
	return 0
}

// coerceBool interprets a scalar as a boolean: YAML booleans as-is,
// numbers as non-zero, strings via strconv.ParseBool and otherwise as
// non-empty. Missing, null, and non-scalar values are false.
func coerceBool(node *yaml.Node) bool {
	if node.Kind != yaml.ScalarNode || node.Tag == "!!null" {
		return false
	}

	s := strings.TrimSpace(node.Value)
	switch node.Tag {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err == nil {
			return b
		}
	case "!!int", "!!float":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f != 0
		}
	}

	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s != ""
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment variable values. $$ escapes a literal dollar sign.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		if value, exists := os.LookupEnv(submatches[1]); exists {
			return value
		}
		if len(submatches) >= 3 {
			return submatches[2]
		}
		return ""
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}
