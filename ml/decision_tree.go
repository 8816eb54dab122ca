package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
)

const TypeDecisionTree = "decision_tree"

type DecisionTree struct {
	nodes        []TreeNode
	featureNames []string
	classes      []string
	numClasses   int
}

type TreeNode struct {
	FeatureIdx   int       `json:"feature_idx"`
	Threshold    float64   `json:"threshold"`
	LeftChild    int       `json:"left_child"`
	RightChild   int       `json:"right_child"`
	ClassLabel   int       `json:"class_label"`
	IsLeaf       bool      `json:"is_leaf"`
	Distribution []float64 `json:"distribution,omitempty"`
}

type decisionTreeArtifact struct {
	Type         string     `json:"type"`
	FeatureNames []string   `json:"feature_names,omitempty"`
	Classes      []string   `json:"classes,omitempty"`
	NumClasses   int        `json:"num_classes"`
	Nodes        []TreeNode `json:"nodes"`
}

func NewDecisionTree(featureNames, classes []string) *DecisionTree {
	return &DecisionTree{
		featureNames: slices.Clone(featureNames),
		classes:      slices.Clone(classes),
	}
}

func (dt *DecisionTree) Train(features [][]float64, labels []int, maxDepth int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	numClasses := 0
	for _, label := range labels {
		if label < 0 {
			return fmt.Errorf("negative class label %d", label)
		}
		if label+1 > numClasses {
			numClasses = label + 1
		}
	}
	if len(dt.classes) > 0 && len(dt.classes) < numClasses {
		return fmt.Errorf("%d classes declared but labels reach index %d", len(dt.classes), numClasses-1)
	}
	dt.numClasses = max(numClasses, len(dt.classes))
	dt.nodes = dt.buildNode(features, labels, 0, maxDepth)
	return nil
}

func (dt *DecisionTree) Predict(row []float64) (Prediction, error) {
	node, err := dt.leaf(row)
	if err != nil {
		return Prediction{}, err
	}
	pred := Prediction{Index: node.ClassLabel}
	if len(dt.classes) > 0 {
		if node.ClassLabel < 0 || node.ClassLabel >= len(dt.classes) {
			return Prediction{}, fmt.Errorf("class index %d outside declared classes", node.ClassLabel)
		}
		pred.Label = dt.classes[node.ClassLabel]
	}
	return pred, nil
}

func (dt *DecisionTree) PredictProba(row []float64) ([]float64, error) {
	node, err := dt.leaf(row)
	if err != nil {
		return nil, err
	}
	proba := make([]float64, dt.numClasses)
	if len(node.Distribution) == 0 {
		if node.ClassLabel < 0 || node.ClassLabel >= len(proba) {
			return nil, errors.New("leaf class outside class range")
		}
		proba[node.ClassLabel] = 1
		return proba, nil
	}
	copy(proba, node.Distribution)
	return proba, nil
}

func (dt *DecisionTree) FeatureNames() []string { return slices.Clone(dt.featureNames) }

func (dt *DecisionTree) Classes() []string { return slices.Clone(dt.classes) }

func (dt *DecisionTree) leaf(row []float64) (TreeNode, error) {
	if len(dt.nodes) == 0 {
		return TreeNode{}, errors.New("model not trained")
	}
	idx := 0
	for steps := 0; steps <= len(dt.nodes); steps++ {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(row) {
			return TreeNode{}, fmt.Errorf("feature index %d out of range for %d columns", node.FeatureIdx, len(row))
		}
		if row[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return TreeNode{}, errors.New("invalid tree state")
		}
	}
	return TreeNode{}, errors.New("tree contains a cycle")
}

func (dt *DecisionTree) Save(path string) error {
	if len(dt.nodes) == 0 {
		return errors.New("model not trained")
	}
	payload, err := json.MarshalIndent(decisionTreeArtifact{
		Type:         TypeDecisionTree,
		FeatureNames: dt.featureNames,
		Classes:      dt.classes,
		NumClasses:   dt.numClasses,
		Nodes:        dt.nodes,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func (dt *DecisionTree) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return dt.decode(payload)
}

func (dt *DecisionTree) decode(payload []byte) error {
	var artifact decisionTreeArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return err
	}
	if len(artifact.Nodes) == 0 {
		return errors.New("decision tree has no nodes")
	}
	numClasses := max(artifact.NumClasses, len(artifact.Classes))
	for i, node := range artifact.Nodes {
		if node.IsLeaf {
			if node.ClassLabel < 0 {
				return fmt.Errorf("node %d: negative class label", i)
			}
			numClasses = max(numClasses, node.ClassLabel+1, len(node.Distribution))
			continue
		}
		if node.LeftChild <= i || node.LeftChild >= len(artifact.Nodes) ||
			node.RightChild <= i || node.RightChild >= len(artifact.Nodes) {
			return fmt.Errorf("node %d: child index out of range", i)
		}
		if len(artifact.FeatureNames) > 0 && node.FeatureIdx >= len(artifact.FeatureNames) {
			return fmt.Errorf("node %d: feature index %d beyond %d declared features", i, node.FeatureIdx, len(artifact.FeatureNames))
		}
	}
	if len(artifact.Classes) > 0 && len(artifact.Classes) < numClasses {
		return fmt.Errorf("%d classes declared, tree predicts %d", len(artifact.Classes), numClasses)
	}
	dt.nodes = artifact.Nodes
	dt.featureNames = artifact.FeatureNames
	dt.classes = artifact.Classes
	dt.numClasses = numClasses
	return nil
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int, maxDepth int) []TreeNode {
	label := majorityLabel(labels)
	if depth >= maxDepth || isPure(labels) {
		return []TreeNode{dt.leafNode(labels, label)}
	}

	bestFeature, threshold, ok := findBestSplit(features, labels)
	if !ok {
		return []TreeNode{dt.leafNode(labels, label)}
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return []TreeNode{dt.leafNode(labels, label)}
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1, maxDepth)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1, maxDepth)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		ClassLabel: label,
		IsLeaf:     false,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, shiftChildren(leftNodes, 1)...)
	nodes = append(nodes, shiftChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

func (dt *DecisionTree) leafNode(labels []int, label int) TreeNode {
	distribution := make([]float64, dt.numClasses)
	for _, l := range labels {
		distribution[l]++
	}
	for i := range distribution {
		distribution[i] /= float64(len(labels))
	}
	return TreeNode{
		FeatureIdx:   -1,
		LeftChild:    -1,
		RightChild:   -1,
		ClassLabel:   label,
		IsLeaf:       true,
		Distribution: distribution,
	}
}

// shiftChildren rebases child pointers of a subtree placed at offset.
func shiftChildren(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

func findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	var leftFeatures, rightFeatures [][]float64
	var leftLabels, rightLabels []int
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	var leftLabels, rightLabels []int
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func majorityLabel(labels []int) int {
	counts := make(map[int]int)
	bestLabel := 0
	bestCount := -1
	for _, label := range labels {
		counts[label]++
		if counts[label] > bestCount {
			bestCount = counts[label]
			bestLabel = label
		}
	}
	return bestLabel
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
