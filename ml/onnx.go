package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const TypeONNX = "onnx"

// ONNXClassifier runs a converted classifier whose probability output has
// shape [1, classes]. The predicted class is the most probable one.
type ONNXClassifier struct {
	session      *ort.AdvancedSession
	input        *ort.Tensor[float32]
	output       *ort.Tensor[float32]
	width        int
	featureNames []string
	classes      []string

	mu sync.Mutex
}

type onnxArtifact struct {
	Type         string   `json:"type"`
	Path         string   `json:"path"`
	InputName    string   `json:"input_name"`
	OutputName   string   `json:"output_name"`
	NumFeatures  int      `json:"num_features"`
	NumClasses   int      `json:"num_classes"`
	FeatureNames []string `json:"feature_names,omitempty"`
	Classes      []string `json:"classes,omitempty"`
}

var onnxInitMu sync.Mutex

func loadONNXClassifier(dir string, payload []byte) (*ONNXClassifier, error) {
	var artifact onnxArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, err
	}
	if artifact.Path == "" {
		return nil, errors.New("onnx artifact missing path")
	}
	if artifact.InputName == "" {
		artifact.InputName = "float_input"
	}
	if artifact.OutputName == "" {
		artifact.OutputName = "probabilities"
	}
	width := artifact.NumFeatures
	if width == 0 {
		width = len(artifact.FeatureNames)
	}
	numClasses := artifact.NumClasses
	if numClasses == 0 {
		numClasses = len(artifact.Classes)
	}
	if width <= 0 || numClasses <= 0 {
		return nil, errors.New("onnx artifact needs feature and class counts")
	}
	if err := checkNames(artifact.FeatureNames, width); err != nil {
		return nil, err
	}
	if len(artifact.Classes) > 0 && len(artifact.Classes) != numClasses {
		return nil, fmt.Errorf("%d classes declared for %d outputs", len(artifact.Classes), numClasses)
	}

	modelPath := artifact.Path
	if !filepath.IsAbs(modelPath) {
		modelPath = filepath.Join(dir, modelPath)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx model referenced by artifact: %v", err)
	}
	if err := initONNXRuntime(dir); err != nil {
		return nil, err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(width)))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numClasses)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{artifact.InputName},
		[]string{artifact.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &ONNXClassifier{
		session:      session,
		input:        input,
		output:       output,
		width:        width,
		featureNames: artifact.FeatureNames,
		classes:      artifact.Classes,
	}, nil
}

func initONNXRuntime(dir string) error {
	onnxInitMu.Lock()
	defer onnxInitMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	libPath := resolveSharedLibraryPath(dir)
	if libPath == "" {
		return errors.New("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

func (c *ONNXClassifier) PredictProba(row []float64) ([]float64, error) {
	if len(row) != c.width {
		return nil, fmt.Errorf("model expects %d features, got %d", c.width, len(row))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data := c.input.GetData()
	for i, v := range row {
		data[i] = float32(v)
	}
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	raw := c.output.GetData()
	proba := make([]float64, len(raw))
	for i, p := range raw {
		proba[i] = float64(p)
	}
	return proba, nil
}

func (c *ONNXClassifier) Predict(row []float64) (Prediction, error) {
	proba, err := c.PredictProba(row)
	if err != nil {
		return Prediction{}, err
	}
	best := 0
	for i, p := range proba {
		if p > proba[best] {
			best = i
		}
	}
	pred := Prediction{Index: best}
	if len(c.classes) > 0 {
		pred.Label = c.classes[best]
	}
	return pred, nil
}

func (c *ONNXClassifier) FeatureNames() []string { return slices.Clone(c.featureNames) }

func (c *ONNXClassifier) Classes() []string { return slices.Clone(c.classes) }

func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	c.input.Destroy()
	c.output.Destroy()
	return nil
}

// resolveSharedLibraryPath prefers ONNXRUNTIME_SHARED_LIBRARY_PATH and then
// probes the artifact directory and the usual system locations.
func resolveSharedLibraryPath(dir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{"libonnxruntime.so", "libonnxruntime.dylib", "onnxruntime.dll"}
	dirs := []string{dir, filepath.Join(dir, "lib"), "/usr/local/lib", "/usr/lib", "/opt/homebrew/lib"}
	for _, d := range dirs {
		for _, name := range names {
			candidate := filepath.Join(d, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
