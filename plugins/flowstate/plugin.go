package flowstate

import (
	"context"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/storage"
)

// PluginName identifies the flowstate plugin.
const PluginName = "flowstate"

// Backend names accepted by `flow.backend`.
const (
	BackendMemory = "memory"
	BackendCache  = "cache"
)

func init() {
	ingear.RegisterConfigKeys(
		ingear.ConfigKeyInfo{
			Key:         "flow.stateTTL",
			Description: "How long an unfinished redirect flow is remembered",
			Type:        "duration",
			Default:     "10m",
		},
		ingear.ConfigKeyInfo{
			Key:         "flow.backend",
			Description: "Where flow state lives: memory (single instance) or cache (shared storage)",
			Type:        "string",
			Default:     BackendMemory,
		},
		ingear.ConfigKeyInfo{
			Key:         "flow.secureCookies",
			Description: "Mark flow correlation cookies Secure",
			Type:        "bool",
			Default:     false,
		},
	)
}

// Option configures the FlowStatePlugin.
type Option func(*FlowStatePlugin)

// WithBackend uses b instead of the configured backend.
func WithBackend(b Backend) Option {
	return func(p *FlowStatePlugin) {
		p.backend = b
	}
}

// WithTrackerOptions passes options through to the Tracker.
func WithTrackerOptions(opts ...TrackerOption) Option {
	return func(p *FlowStatePlugin) {
		p.trackerOpts = append(p.trackerOpts, opts...)
	}
}

// Plugin returns the flowstate plugin configured from ingear.Config.
//
// Config keys: `flow.stateTTL`, `flow.backend`, `flow.secureCookies`.
func Plugin(opts ...Option) *FlowStatePlugin {
	p := &FlowStatePlugin{
		backendName: ingear.ConfigString("flow.backend"),
	}
	if d := ingear.ConfigDuration("flow.stateTTL"); d > 0 {
		p.trackerOpts = append(p.trackerOpts, WithTTL(d))
	}
	if ingear.Config.Bool("flow.secureCookies") {
		p.trackerOpts = append(p.trackerOpts, WithSecureCookies(true))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FlowStatePlugin provides the flow Tracker to other plugins.
type FlowStatePlugin struct {
	backendName string
	backend     Backend
	trackerOpts []TrackerOption
	tracker     *Tracker
}

// From ingear.Plugin.
func (p *FlowStatePlugin) Name() string {
	return PluginName
}

// From ingear.OptionalDependentPlugin.
func (p *FlowStatePlugin) OptDeps() []string {
	return []string{storage.PluginName}
}

// From ingear.InitializablePlugin.
func (p *FlowStatePlugin) Init(ctx context.Context, r *ingear.Registry) error {
	if p.backend == nil {
		switch p.backendName {
		case "", BackendMemory:
			p.backend = NewMemoryBackend()
		case BackendCache:
			cache, err := storage.FromRegistry(r)
			if err != nil {
				return errors.WrapPrefix(err, "flowstate: cache backend needs the storage plugin", 0)
			}
			p.backend = NewCacheBackend(cache)
		default:
			return errors.Errorf("flowstate: unknown backend %q", p.backendName)
		}
	}
	p.tracker = NewTracker(p.backend, p.trackerOpts...)
	return nil
}

// From ingear.ShutdownPlugin.
func (p *FlowStatePlugin) Shutdown(context.Context) error {
	if p.backend == nil {
		return nil
	}
	return p.backend.Close()
}

// Tracker returns the flow tracker. Available after Init.
func (p *FlowStatePlugin) Tracker() *Tracker {
	return p.tracker
}
