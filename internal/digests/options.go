package digests

import (
	"sort"
	"strings"
	"time"
)

type Option string

const (
	IncrementDelay Option = "increment_delay"
	MaximumDelay   Option = "maximum_delay"
	MinimumDelay   Option = "minimum_delay"
)

// DefaultPlugin supplies delays for plugins that have no options of their own.
const DefaultPlugin = "default"

// OptionKey names a delay option: digests:<plugin>:<option>.
func OptionKey(plugin string, option Option) string {
	return "digests:" + plugin + ":" + string(option)
}

// Delays is the per-plugin delay configuration. A zero Maximum is unbounded.
type Delays struct {
	Increment time.Duration
	Minimum   time.Duration
	Maximum   time.Duration
}

var DefaultDelays = Delays{
	Increment: 5 * time.Minute,
	Minimum:   5 * time.Minute,
	Maximum:   30 * time.Minute,
}

func (d Delays) Validate() error {
	if d.Increment < 0 || d.Minimum < 0 || d.Maximum < 0 {
		return configError("delays must not be negative: %+v", d)
	}
	if d.Maximum > 0 && d.Minimum > d.Maximum {
		return configError("minimum_delay %s exceeds maximum_delay %s", d.Minimum, d.Maximum)
	}
	return nil
}

// DelaySet resolves the delays for a key by its plugin.
type DelaySet struct {
	plugins map[string]Delays
}

// NewDelaySet builds a DelaySet from options keyed by OptionKey. Options a
// plugin leaves unset come from the default plugin, whose own unset options
// come from DefaultDelays.
func NewDelaySet(opts map[string]time.Duration) (DelaySet, error) {
	set := make(map[string]map[Option]time.Duration)
	for key, v := range opts {
		parts := strings.Split(key, ":")
		if len(parts) != 3 || parts[0] != "digests" || !validPlugin(parts[1]) {
			return DelaySet{}, configError("bad option key %q", key)
		}
		switch opt := Option(parts[2]); opt {
		case IncrementDelay, MinimumDelay, MaximumDelay:
			if set[parts[1]] == nil {
				set[parts[1]] = make(map[Option]time.Duration, 3)
			}
			set[parts[1]][opt] = v
		default:
			return DelaySet{}, configError("unknown option %q", key)
		}
	}

	base := overlay(DefaultDelays, set[DefaultPlugin])
	plugins := make(map[string]Delays, len(set))
	for name, o := range set {
		if name == DefaultPlugin {
			plugins[name] = base
			continue
		}
		plugins[name] = overlay(base, o)
	}
	for name, d := range plugins {
		if err := d.Validate(); err != nil {
			return DelaySet{}, configError("plugin %s: %v", name, err)
		}
	}
	return DelaySet{plugins: plugins}, nil
}

// overlay sets the explicit options o over base. An inherited bound gives way
// to an explicit one: a lone maximum_delay below the inherited minimum lowers
// the minimum with it, and a lone minimum_delay raises the maximum.
func overlay(base Delays, o map[Option]time.Duration) Delays {
	d := base
	if v, ok := o[IncrementDelay]; ok {
		d.Increment = v
	}
	lo, hasLo := o[MinimumDelay]
	if hasLo {
		d.Minimum = lo
	}
	hi, hasHi := o[MaximumDelay]
	if hasHi {
		d.Maximum = hi
	}
	if d.Maximum > 0 && d.Minimum > d.Maximum {
		switch {
		case hasHi && !hasLo:
			d.Minimum = d.Maximum
		case hasLo && !hasHi:
			d.Maximum = d.Minimum
		}
	}
	return d
}

// StaticDelays applies d to every plugin.
func StaticDelays(d Delays) DelaySet {
	return DelaySet{plugins: map[string]Delays{DefaultPlugin: d}}
}

// For returns the delays configured for plugin, falling back to DefaultPlugin.
func (s DelaySet) For(plugin string) (Delays, bool) {
	if d, ok := s.plugins[plugin]; ok {
		return d, true
	}
	d, ok := s.plugins[DefaultPlugin]
	return d, ok
}

// ForKey resolves delays for an aggregation key; unknown plugins are an invalid key.
func (s DelaySet) ForKey(key string) (Delays, error) {
	d, ok := s.For(PluginOf(key))
	if !ok {
		return Delays{}, invalidKey(key, "no delay configuration for plugin")
	}
	return d, nil
}

func (s DelaySet) Plugins() []string {
	out := make([]string, 0, len(s.plugins))
	for p := range s.plugins {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
