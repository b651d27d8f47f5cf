package synth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// SyntaxChecker parses candidate programs with the tree-sitter Python
// grammar. It only answers one question: does this source parse cleanly.
type SyntaxChecker struct {
	mu     sync.Mutex // sitter.Parser is not safe for concurrent use
	parser *sitter.Parser
}

// NewSyntaxChecker returns a checker with the Python grammar loaded.
func NewSyntaxChecker() *SyntaxChecker {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &SyntaxChecker{parser: parser}
}

// Check returns nil when source parses cleanly, or an error naming the
// first few syntax errors with their line numbers.
func (c *SyntaxChecker) Check(source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	content := []byte(source)
	tree, err := c.parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	defer tree.Close()

	found := collectSyntaxErrors(tree.RootNode(), content, 5)
	if len(found) == 0 {
		return nil
	}
	return fmt.Errorf("python syntax errors: %s", strings.Join(found, "; "))
}

// collectSyntaxErrors walks the parse tree for ERROR nodes, up to limit.
// Children of an ERROR node add no information, so the walk does not
// descend into them.
func collectSyntaxErrors(root *sitter.Node, content []byte, limit int) []string {
	var found []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if len(found) >= limit {
			return
		}
		if n.Type() == "ERROR" {
			line := int(n.StartPoint().Row) + 1
			snippet := strings.TrimSpace(n.Content(content))
			if len(snippet) > 40 {
				snippet = snippet[:40] + "..."
			}
			if snippet == "" {
				found = append(found, fmt.Sprintf("line %d", line))
			} else {
				found = append(found, fmt.Sprintf("line %d near %q", line, snippet))
			}
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	return found
}
