// Package policy decides how much tool payload detail reaches logs and
// metric events. Tools carry a logging strategy; the run's verbosity
// can override it in either direction.
package policy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/noamsalit/Log-analysis-agent/internal/logging"
	"github.com/noamsalit/Log-analysis-agent/internal/observability"
)

// Strategy is a tool's declared logging posture.
type Strategy string

const (
	StrategyFull         Strategy = "full"
	StrategyMetadataOnly Strategy = "metadata_only"
	StrategyTruncate     Strategy = "truncate"
)

// Detail is the resolved amount of payload allowed into an event.
type Detail int

const (
	DetailNone Detail = iota
	DetailMetadata
	DetailTruncated
	DetailFull
)

// Verbosity is the operator-selected log granularity.
type Verbosity int

const (
	VerbosityLow Verbosity = iota
	VerbosityMid
	VerbosityHigh
)

// TruncateLimit caps argument strings rendered under DetailTruncated.
const TruncateLimit = 512

const truncateMarker = "…[truncated]"

// ParseVerbosity maps the config strings low/mid/high. Unknown values
// are an error rather than a silent default.
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return VerbosityLow, nil
	case "mid":
		return VerbosityMid, nil
	case "high":
		return VerbosityHigh, nil
	default:
		return VerbosityLow, fmt.Errorf("verbosity must be one of low, mid, high (got %q)", s)
	}
}

// ParseStrategy normalizes a configured strategy name. Unknown names
// fall back to metadata_only so a typo fails closed, not open.
func ParseStrategy(s string) Strategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(StrategyFull):
		return StrategyFull
	case string(StrategyTruncate):
		return StrategyTruncate
	default:
		return StrategyMetadataOnly
	}
}

// Level maps verbosity to the slog threshold used for that
// destination.
func (v Verbosity) Level() slog.Level {
	switch v {
	case VerbosityHigh:
		return logging.LevelTrace
	case VerbosityMid:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func (v Verbosity) String() string {
	switch v {
	case VerbosityHigh:
		return "high"
	case VerbosityMid:
		return "mid"
	default:
		return "low"
	}
}

// Max returns the more detailed of two verbosities. Event construction
// uses the max of the console and file settings so the richer
// destination is never starved by the quieter one.
func Max(a, b Verbosity) Verbosity {
	if b > a {
		return b
	}
	return a
}

// Policy resolves per-tool strategies, with strategies sourced from
// config and unknown tools defaulting to metadata_only.
type Policy struct {
	strategies map[string]Strategy
}

// New builds a Policy from a tool-name to strategy-name map.
func New(strategies map[string]string) *Policy {
	resolved := make(map[string]Strategy, len(strategies))
	for tool, name := range strategies {
		resolved[strings.TrimSpace(tool)] = ParseStrategy(name)
	}
	return &Policy{strategies: resolved}
}

// StrategyFor returns the tool's declared strategy, metadata_only when
// the tool is unknown.
func (p *Policy) StrategyFor(tool string) Strategy {
	if p != nil {
		if strategy, ok := p.strategies[strings.TrimSpace(tool)]; ok {
			return strategy
		}
	}
	return StrategyMetadataOnly
}

// Resolve combines the tool's strategy with the run verbosity. Low
// verbosity suppresses payloads entirely and high verbosity lifts the
// ceiling to full; at mid the strategy decides.
func (p *Policy) Resolve(tool string, verbosity Verbosity) Detail {
	switch verbosity {
	case VerbosityLow:
		return DetailNone
	case VerbosityHigh:
		return DetailFull
	}
	switch p.StrategyFor(tool) {
	case StrategyFull:
		return DetailFull
	case StrategyTruncate:
		return DetailTruncated
	default:
		return DetailMetadata
	}
}

// Truncate caps s at TruncateLimit bytes, appending a marker when
// anything was cut. The cut lands on a rune boundary.
func Truncate(s string) string {
	if len(s) <= TruncateLimit {
		return s
	}
	cut := TruncateLimit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncateMarker
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// RenderArguments returns the argument payload allowed at the given
// detail: nil for none/metadata, a truncated scrubbed copy, or a full
// scrubbed copy. The input map is never mutated.
func RenderArguments(detail Detail, args map[string]any) map[string]any {
	switch detail {
	case DetailFull:
		return observability.ScrubArguments(args)
	case DetailTruncated:
		return truncateValues(observability.ScrubArguments(args))
	default:
		return nil
	}
}

func truncateValues(args map[string]any) map[string]any {
	for key, value := range args {
		switch v := value.(type) {
		case string:
			args[key] = Truncate(v)
		case map[string]any:
			args[key] = truncateValues(v)
		case []any:
			for i, item := range v {
				if s, ok := item.(string); ok {
					v[i] = Truncate(s)
				}
			}
		case []string:
			for i, s := range v {
				v[i] = Truncate(s)
			}
		}
	}
	return args
}
