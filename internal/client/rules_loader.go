package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-expenses/internal/repository"
)

type rulesFile struct {
	Rules []*repository.ApprovalRule `yaml:"rules"`
}

// LoadRulesFile reads approval rule seeds. Rules default to active unless
// the file sets is_active explicitly.
func LoadRulesFile(path string) ([]*repository.ApprovalRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return parseRules(raw)
}

func parseRules(raw []byte) ([]*repository.ApprovalRule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	var f rulesFile
	if err := doc.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	explicit := activeFlags(&doc)
	for i, r := range f.Rules {
		if r == nil {
			return nil, fmt.Errorf("rule %d is empty", i)
		}
		if i >= len(explicit) || !explicit[i] {
			r.IsActive = true
		}
	}
	return f.Rules, nil
}

// activeFlags reports, per rule in document order, whether is_active was
// written out.
func activeFlags(doc *yaml.Node) []bool {
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "rules" {
			continue
		}
		items := root.Content[i+1].Content
		out := make([]bool, len(items))
		for j, item := range items {
			for k := 0; k+1 < len(item.Content); k += 2 {
				if item.Content[k].Value == "is_active" {
					out[j] = true
				}
			}
		}
		return out
	}
	return nil
}
