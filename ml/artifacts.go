package ml

import (
	"errors"
	"io"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	ArtifactClassifier   = "classifier"
	ArtifactScaler       = "scaler"
	ArtifactLabelEncoder = "label_encoder"
)

type ArtifactState string

const (
	StateLoaded  ArtifactState = "loaded"
	StateMissing ArtifactState = "missing"
	StateInvalid ArtifactState = "invalid"
)

// ArtifactConfig names the artifact directory and the file of each artifact
// inside it.
type ArtifactConfig struct {
	Dir          string `yaml:"dir"`
	Classifier   string `yaml:"classifier"`
	Scaler       string `yaml:"scaler"`
	LabelEncoder string `yaml:"label_encoder"`
}

func DefaultArtifactConfig(dir string) ArtifactConfig {
	return ArtifactConfig{
		Dir:          dir,
		Classifier:   "model.json",
		Scaler:       "scaler.json",
		LabelEncoder: "label_encoder.json",
	}
}

type ArtifactStatus struct {
	Name  string        `json:"name"`
	Path  string        `json:"path"`
	State ArtifactState `json:"state"`
	Error string        `json:"error,omitempty"`
}

// Artifacts is the classifier, scaler and label decoder triple. It is built
// once at startup and only read afterwards. Scaler and Decoder are nil when
// unavailable; Classifier is never nil.
type Artifacts struct {
	Classifier Classifier
	Scaler     Scaler
	Decoder    LabelDecoder
	Degraded   bool
	Statuses   []ArtifactStatus
}

// LoadArtifacts loads whatever subset of the three artifacts is usable.
// Missing or broken files are logged and skipped; a missing classifier
// switches to the rule-based fallback.
func LoadArtifacts(cfg ArtifactConfig, logger *zap.Logger) *Artifacts {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultArtifactConfig(cfg.Dir)
	if cfg.Classifier == "" {
		cfg.Classifier = defaults.Classifier
	}
	if cfg.Scaler == "" {
		cfg.Scaler = defaults.Scaler
	}
	if cfg.LabelEncoder == "" {
		cfg.LabelEncoder = defaults.LabelEncoder
	}

	a := &Artifacts{}

	classifier, status := loadArtifact(logger, ArtifactClassifier, filepath.Join(cfg.Dir, cfg.Classifier), LoadClassifier)
	a.Statuses = append(a.Statuses, status)
	if status.State == StateLoaded {
		a.Classifier = classifier
		logger.Info("classifier loaded", zap.String("path", status.Path), zap.Strings("feature_order", declaredNames(classifier)))
	} else {
		a.Classifier = NewRuleClassifier()
		a.Degraded = true
		logger.Warn("no usable classifier, using rule-based fallback")
	}

	scaler, status := loadArtifact(logger, ArtifactScaler, filepath.Join(cfg.Dir, cfg.Scaler), LoadScaler)
	a.Statuses = append(a.Statuses, status)
	if status.State == StateLoaded {
		a.Scaler = scaler
		logger.Info("scaler loaded", zap.String("path", status.Path), zap.Strings("feature_order", declaredNames(scaler)))
	}

	decoder, status := loadArtifact(logger, ArtifactLabelEncoder, filepath.Join(cfg.Dir, cfg.LabelEncoder), LoadLabelEncoder)
	a.Statuses = append(a.Statuses, status)
	if status.State == StateLoaded {
		a.Decoder = decoder
		logger.Info("label encoder loaded", zap.String("path", status.Path), zap.Strings("classes", decoder.Classes()))
	}

	return a
}

func loadArtifact[T any](logger *zap.Logger, name, path string, load func(string) (T, error)) (T, ArtifactStatus) {
	status := ArtifactStatus{Name: name, Path: path}
	value, err := load(path)
	switch {
	case err == nil:
		status.State = StateLoaded
	case errors.Is(err, fs.ErrNotExist):
		status.State = StateMissing
		logger.Warn("artifact not found", zap.String("artifact", name), zap.String("path", path))
	default:
		status.State = StateInvalid
		status.Error = err.Error()
		logger.Error("artifact failed to load", zap.String("artifact", name), zap.String("path", path), zap.Error(err))
	}
	return value, status
}

// Status returns the load status of the named artifact.
func (a *Artifacts) Status(name string) ArtifactStatus {
	for _, s := range a.Statuses {
		if s.Name == name {
			return s
		}
	}
	return ArtifactStatus{Name: name, State: StateMissing}
}

// Close releases native resources held by the classifier, if any.
func (a *Artifacts) Close() error {
	if c, ok := a.Classifier.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func declaredNames(v any) []string {
	if namer, ok := v.(FeatureNamer); ok {
		return namer.FeatureNames()
	}
	return nil
}
