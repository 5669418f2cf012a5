package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/gitlab-az1/ray/internal/fsutil"
	"gopkg.in/yaml.v3"
)

const fileHeader = "ray node configuration. Every key may be overridden with RAY_<SECTION>_<KEY>."

var durationType = reflect.TypeOf(time.Duration(0))

// Marshal renders cfg as YAML in declaration order. Durations are written
// in their string form ("30s") so the file reads back through Load.
func Marshal(cfg *Config) ([]byte, error) {
	node, err := toNode(reflect.ValueOf(*cfg))
	if err != nil {
		return nil, err
	}

	doc := &yaml.Node{
		Kind:        yaml.DocumentNode,
		HeadComment: fileHeader,
		Content:     []*yaml.Node{node},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// Save validates cfg and writes it atomically to path.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	out, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFile(path, out); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func toNode(v reflect.Value) (*yaml.Node, error) {
	if v.Type() == durationType {
		return &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!str",
			Value: time.Duration(v.Int()).String(),
		}, nil
	}

	if v.Kind() != reflect.Struct {
		n := &yaml.Node{}
		if err := n.Encode(v.Interface()); err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", v.Type(), err)
		}
		return n, nil
	}

	n := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}

		val, err := toNode(v.Field(i))
		if err != nil {
			return nil, err
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, val)
	}
	return n, nil
}
