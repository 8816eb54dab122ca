package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadClassifier reads a classifier artifact and builds the model its type
// names.
func LoadClassifier(path string) (Classifier, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("decode artifact header: %w", err)
	}
	switch header.Type {
	case TypeDecisionTree:
		model := &DecisionTree{}
		if err := model.decode(payload); err != nil {
			return nil, err
		}
		return model, nil
	case TypeLogisticRegression:
		return decodeLogisticRegression(payload)
	case TypeONNX:
		return loadONNXClassifier(filepath.Dir(path), payload)
	default:
		return nil, fmt.Errorf("unsupported model type %q", header.Type)
	}
}

func LoadScaler(path string) (Scaler, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeScaler(payload)
}

func LoadLabelEncoder(path string) (*LabelEncoder, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeLabelEncoder(payload)
}
