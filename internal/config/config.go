// Package config loads the persisted per-node configuration document from
// spec §6 ("Node configuration (persisted state, per node)"). It replaces
// the teacher's implicit global settings singleton with a process-scoped
// record constructed once at startup and passed explicitly to every
// component (spec §9, "Singletons in the source").
package config

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// Node is the persisted configuration for a single cluster node.
type Node struct {
	NodeID         uint64   `yaml:"nodeId"`
	Range          string   `yaml:"range"` // decimal string; 128 bits doesn't fit a YAML int
	BindAddress    string   `yaml:"bindAddress"`
	Port           uint16   `yaml:"port"`
	CassandraSeeds []string `yaml:"cassandraSeeds"`
	MQSeeds        []string `yaml:"mqSeeds"`
	MaxMessageSize uint32   `yaml:"maxMessageSize"`
	Users          []User   `yaml:"users"`
}

// User is one statically-configured credential entry (spec §6 treats
// credential storage as an external collaborator; a YAML list is this
// node's concrete choice).
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"`
}

// RangeStart parses Range as a base-10 big.Int.
func (n Node) RangeStart() (*big.Int, error) {
	v, ok := new(big.Int).SetString(n.Range, 10)
	if !ok {
		return nil, fmt.Errorf("config: invalid range %q", n.Range)
	}
	return v, nil
}

// Load reads and parses a Node configuration document from path.
func Load(path string) (Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Node{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return Node{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if n.MaxMessageSize == 0 {
		n.MaxMessageSize = 8 * 1024 * 1024
	}
	return n, nil
}
