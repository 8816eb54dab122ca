package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// LabelEncoder maps class indices back to class names. Its index space must
// match the classifier it was trained with; nothing checks that at load time.
type LabelEncoder struct {
	classes []string
}

type labelEncoderArtifact struct {
	Classes []string `json:"classes"`
}

func NewLabelEncoder(classes []string) *LabelEncoder {
	return &LabelEncoder{classes: slices.Clone(classes)}
}

// FitLabelEncoder assigns indices to the sorted distinct labels.
func FitLabelEncoder(labels []string) (*LabelEncoder, []int) {
	classes := slices.Clone(labels)
	slices.Sort(classes)
	classes = slices.Compact(classes)
	encoded := make([]int, len(labels))
	for i, label := range labels {
		encoded[i], _ = slices.BinarySearch(classes, label)
	}
	return &LabelEncoder{classes: classes}, encoded
}

func (e *LabelEncoder) InverseTransform(index int) (string, error) {
	if index < 0 || index >= len(e.classes) {
		return "", fmt.Errorf("class index %d outside encoder range [0,%d)", index, len(e.classes))
	}
	return e.classes[index], nil
}

func (e *LabelEncoder) Classes() []string { return slices.Clone(e.classes) }

func (e *LabelEncoder) Save(path string) error {
	return writeJSON(path, labelEncoderArtifact{Classes: e.classes})
}

func decodeLabelEncoder(payload []byte) (*LabelEncoder, error) {
	var artifact labelEncoderArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, err
	}
	if len(artifact.Classes) == 0 {
		return nil, errors.New("label encoder has no classes")
	}
	return &LabelEncoder{classes: artifact.Classes}, nil
}
