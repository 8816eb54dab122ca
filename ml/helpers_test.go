package ml

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func fallbackService(t *testing.T) *Service {
	t.Helper()
	a := LoadArtifacts(DefaultArtifactConfig(t.TempDir()), nil)
	if !a.Degraded {
		t.Fatal("expected degraded artifacts for an empty directory")
	}
	return NewService(a, nil)
}

// indexOnlyTree returns a binary tree over one feature "x" that predicts
// class 1 for x > 0.5 and declares no class names.
func indexOnlyTree(t *testing.T) *DecisionTree {
	t.Helper()
	tree := NewDecisionTree([]string{"x"}, nil)
	if err := tree.Train([][]float64{{0}, {0.2}, {0.8}, {1}}, []int{0, 0, 1, 1}, 2); err != nil {
		t.Fatalf("train: %v", err)
	}
	return tree
}
