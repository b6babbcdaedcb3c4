// Pipeline config loading: a small YAML document describing a DAG of
// nodes wired to internal/builtin's plugin constructors. This is the thin
// stand-in for a full plugin-discovery mechanism — only the reference
// plugin catalogue is addressable by name, which is enough to exercise
// every node kind the engine supports. A deployment wanting its own
// source/transform/sink bodies wires internal/orchestrator.Spec directly
// in place of loading one of these files.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth/internal/audit"
	"github.com/tachyon-beep/elspeth/internal/builtin"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/elspetherrors"
	"github.com/tachyon-beep/elspeth/internal/operators"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
	"github.com/tachyon-beep/elspeth/internal/plugin"
)

// pipelineNodeConfig is one node's declaration in the YAML document.
type pipelineNodeConfig struct {
	Label         string         `yaml:"label"`
	Type          string         `yaml:"type"` // source|transform|gate|aggregation|coalesce|sink
	Plugin        string         `yaml:"plugin"`
	Deterministic bool           `yaml:"deterministic"`
	Config        map[string]any `yaml:"config"`

	Gate struct {
		Predicate     string   `yaml:"predicate"`
		AllowedFields []string `yaml:"allowed_fields"`
		TrueLabel     string   `yaml:"true_label"`
		FalseLabel    string   `yaml:"false_label"`
	} `yaml:"gate"`

	Aggregation struct {
		MaxCount     int `yaml:"max_count"`
		MaxBytes     int `yaml:"max_bytes"`
		MaxElapsedMS int `yaml:"max_elapsed_ms"`
	} `yaml:"aggregation"`

	Coalesce struct {
		Expected int `yaml:"expected"`
	} `yaml:"coalesce"`
}

type pipelineEdgeConfig struct {
	From       string `yaml:"from"`
	To         string `yaml:"to"`
	RouteLabel string `yaml:"route_label"`
}

// pipelineDocument is the full YAML document a `run`/`validate` invocation
// points at.
type pipelineDocument struct {
	Mode             string                `yaml:"mode"` // live|replay
	QueueCeiling     int                   `yaml:"queue_ceiling"`
	MaxAttempts      int                   `yaml:"max_attempts"`
	ConfigFingerprint string               `yaml:"config_fingerprint"`
	CanonicalVersion string                `yaml:"canonical_version"`
	Nodes            []pipelineNodeConfig  `yaml:"nodes"`
	Edges            []pipelineEdgeConfig  `yaml:"edges"`
	Quarantine       map[string]string     `yaml:"quarantine"`
}

// loadPipelineDocument reads and parses the YAML pipeline file at path.
func loadPipelineDocument(path string) (*pipelineDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	var doc pipelineDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("pipeline: parse %s: %w", path, err)
	}
	return &doc, nil
}

var nodeTypeByName = map[string]dag.NodeType{
	"source":      dag.NodeSource,
	"transform":   dag.NodeTransform,
	"gate":        dag.NodeGate,
	"aggregation": dag.NodeAggregation,
	"coalesce":    dag.NodeCoalesce,
	"sink":        dag.NodeSink,
}

// buildSpec resolves doc into a runnable orchestrator.Spec, instantiating
// one internal/builtin plugin per node from its declared plugin name.
func buildSpec(doc *pipelineDocument) (orchestrator.Spec, error) {
	nodes := make([]dag.NodeSpec, 0, len(doc.Nodes))
	edges := make([]dag.EdgeSpec, 0, len(doc.Edges))
	descriptors := make(map[string]plugin.Descriptor, len(doc.Nodes))
	nodeConfig := make(map[string]map[string]any, len(doc.Nodes))

	plugins := orchestrator.PluginSet{
		Sources:      map[string]plugin.Source{},
		Transforms:   map[string]plugin.Transform{},
		Gates:        map[string]plugin.Gate{},
		Aggregations: map[string]plugin.Aggregation{},
		Coalesces:    map[string]plugin.Coalesce{},
		Sinks:        map[string]plugin.Sink{},
	}
	aggregationSpecs := make(map[string]orchestrator.AggregationSpec)
	coalesceSpecs := make(map[string]orchestrator.CoalesceSpec)

	for _, n := range doc.Nodes {
		typ, ok := nodeTypeByName[n.Type]
		if !ok {
			return orchestrator.Spec{}, elspetherrors.ConfigError(fmt.Sprintf("pipeline: node %q has unknown type %q", n.Label, n.Type), nil)
		}

		configHash := "no-config"
		if len(n.Config) > 0 {
			hash, err := configHashOf(n.Config)
			if err != nil {
				return orchestrator.Spec{}, fmt.Errorf("pipeline: hash config for node %q: %w", n.Label, err)
			}
			configHash = hash
		}

		nodes = append(nodes, dag.NodeSpec{
			Label:         n.Label,
			Type:          typ,
			PluginName:    n.Plugin,
			PluginVersion: "1",
			ConfigHash:    configHash,
			Deterministic: n.Deterministic,
		})
		descriptors[n.Label] = plugin.Descriptor{
			Name:          n.Plugin,
			Version:       "1",
			ConfigHash:    configHash,
			Deterministic: n.Deterministic,
		}
		if n.Config != nil {
			nodeConfig[n.Label] = n.Config
		}

		if err := wirePlugin(n, typ, plugins); err != nil {
			return orchestrator.Spec{}, err
		}
		if typ == dag.NodeAggregation {
			aggregationSpecs[n.Label] = orchestrator.AggregationSpec{Trigger: triggerConfigOf(n)}
		}
		if typ == dag.NodeCoalesce {
			expected := n.Coalesce.Expected
			if expected <= 0 {
				expected = 2
			}
			coalesceSpecs[n.Label] = orchestrator.CoalesceSpec{Expected: expected}
		}
	}

	for _, e := range doc.Edges {
		edges = append(edges, dag.EdgeSpec{From: e.From, To: e.To, RouteLabel: e.RouteLabel})
	}

	graph, err := dag.Build(nodes, edges)
	if err != nil {
		return orchestrator.Spec{}, err
	}

	mode := audit.ModeLive
	if doc.Mode == string(audit.ModeReplay) {
		mode = audit.ModeReplay
	}

	return orchestrator.Spec{
		Graph:             graph,
		Plugins:           plugins,
		NodeConfig:        nodeConfig,
		Descriptors:       descriptors,
		Aggregations:      aggregationSpecs,
		Coalesces:         coalesceSpecs,
		Quarantine:        doc.Quarantine,
		ConfigFingerprint: orDefaultString(doc.ConfigFingerprint, "unfingerprinted"),
		CanonicalVersion:  orDefaultString(doc.CanonicalVersion, "1"),
		Mode:              mode,
		QueueCeiling:       doc.QueueCeiling,
		MaxAttempts:        doc.MaxAttempts,
	}, nil
}

// wirePlugin instantiates n's declared plugin and registers it into plugins
// under n's label, by node type and plugin name.
func wirePlugin(n pipelineNodeConfig, typ dag.NodeType, plugins orchestrator.PluginSet) error {
	switch typ {
	case dag.NodeSource:
		switch n.Plugin {
		case "csv":
			plugins.Sources[n.Label] = builtin.NewCSVSource()
		default:
			return elspetherrors.ConfigError(fmt.Sprintf("pipeline: unknown source plugin %q for node %q", n.Plugin, n.Label), nil)
		}
	case dag.NodeTransform:
		switch n.Plugin {
		case "uppercase":
			plugins.Transforms[n.Label] = builtin.NewUppercaseTransform()
		case "external_call":
			plugins.Transforms[n.Label] = builtin.NewExternalCallTransform()
		default:
			return elspetherrors.ConfigError(fmt.Sprintf("pipeline: unknown transform plugin %q for node %q", n.Plugin, n.Label), nil)
		}
	case dag.NodeGate:
		switch n.Plugin {
		case "threshold":
			gate, err := builtin.NewThresholdGate(n.Gate.Predicate, n.Gate.AllowedFields, n.Gate.TrueLabel, n.Gate.FalseLabel)
			if err != nil {
				return fmt.Errorf("pipeline: build threshold gate %q: %w", n.Label, err)
			}
			plugins.Gates[n.Label] = gate
		default:
			return elspetherrors.ConfigError(fmt.Sprintf("pipeline: unknown gate plugin %q for node %q", n.Plugin, n.Label), nil)
		}
	case dag.NodeAggregation:
		switch n.Plugin {
		case "count":
			plugins.Aggregations[n.Label] = builtin.NewCountAggregation()
		default:
			return elspetherrors.ConfigError(fmt.Sprintf("pipeline: unknown aggregation plugin %q for node %q", n.Plugin, n.Label), nil)
		}
	case dag.NodeCoalesce:
		switch n.Plugin {
		case "labelmerge":
			plugins.Coalesces[n.Label] = builtin.NewLabelMergeCoalesce()
		default:
			return elspetherrors.ConfigError(fmt.Sprintf("pipeline: unknown coalesce plugin %q for node %q", n.Plugin, n.Label), nil)
		}
	case dag.NodeSink:
		switch n.Plugin {
		case "jsonfile":
			plugins.Sinks[n.Label] = builtin.NewJSONFileSink()
		default:
			return elspetherrors.ConfigError(fmt.Sprintf("pipeline: unknown sink plugin %q for node %q", n.Plugin, n.Label), nil)
		}
	}
	return nil
}

func triggerConfigOf(n pipelineNodeConfig) operators.TriggerConfig {
	cfg := operators.DefaultTriggerConfig()
	if n.Aggregation.MaxCount > 0 {
		cfg.MaxCount = n.Aggregation.MaxCount
	}
	if n.Aggregation.MaxBytes > 0 {
		cfg.MaxBytes = int64(n.Aggregation.MaxBytes)
	}
	if n.Aggregation.MaxElapsedMS > 0 {
		cfg.MaxElapsed = msToDuration(n.Aggregation.MaxElapsedMS)
	}
	return cfg
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
