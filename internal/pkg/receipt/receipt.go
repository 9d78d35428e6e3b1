package receipt

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator issues unique receipt numbers across worker nodes.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for the given node id (0-1023).
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}
	return &Generator{node: node}, nil
}

// Next returns prefix followed by a fresh base36 snowflake id.
func (g *Generator) Next(prefix string) string {
	return prefix + g.node.Generate().Base36()
}
