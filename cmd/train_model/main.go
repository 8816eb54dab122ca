// Command train_model fits a decision tree, a standard scaler and a label
// encoder on synthetic flows and writes them as service artifacts.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"flowqos/logging"
	"flowqos/ml"
	"flowqos/pipeline"
)

func main() {
	outDir := flag.String("out", "model", "artifact output directory")
	count := flag.Int("count", 2000, "number of synthetic flows")
	seed := flag.Int64("seed", 42, "generator seed")
	maxDepth := flag.Int("max_depth", 8, "max tree depth")
	trainRatio := flag.Float64("train_ratio", 0.8, "share of flows used for fitting")
	features := flag.String("features", "", "comma separated feature names (default: every generated feature)")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: "info", Format: "console"})
	if err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logger.Close()

	order := pipeline.FeatureNames()
	if *features != "" {
		order = strings.Split(*features, ",")
		for i := range order {
			order[i] = strings.TrimSpace(order[i])
		}
	}
	slices.Sort(order)

	if err := train(logger.Logger, *outDir, order, *count, *seed, *maxDepth, *trainRatio); err != nil {
		logger.Error("training failed", zap.Error(err))
		logger.Close()
		os.Exit(1)
	}
	fmt.Printf("artifacts saved to %s\n", *outDir)
}

func train(logger *zap.Logger, outDir string, order []string, count int, seed int64, maxDepth int, trainRatio float64) error {
	if trainRatio <= 0 || trainRatio >= 1 {
		trainRatio = 0.8
	}

	flows := pipeline.GenerateFlows(count, seed)
	set, err := ml.BuildTrainingSet(order, pipeline.LabeledFlows(flows))
	if err != nil {
		return fmt.Errorf("build training set: %w", err)
	}
	fit, holdout := set.Split(trainRatio)

	scaler, err := ml.FitStandardScaler(set.FeatureNames, fit.Rows)
	if err != nil {
		return fmt.Errorf("fit scaler: %w", err)
	}
	scaledFit, err := scaleAll(scaler, fit.Rows)
	if err != nil {
		return err
	}

	tree := ml.NewDecisionTree(set.FeatureNames, set.Encoder.Classes())
	if err := tree.Train(scaledFit, fit.Labels, maxDepth); err != nil {
		return fmt.Errorf("train tree: %w", err)
	}

	if len(holdout.Rows) > 0 {
		scaledHoldout, err := scaleAll(scaler, holdout.Rows)
		if err != nil {
			return err
		}
		accuracy, err := ml.Accuracy(tree, scaledHoldout, holdout.Labels)
		if err != nil {
			return fmt.Errorf("score holdout: %w", err)
		}
		logger.Info("holdout accuracy",
			zap.Float64("accuracy", accuracy),
			zap.Int("train_rows", len(fit.Rows)),
			zap.Int("holdout_rows", len(holdout.Rows)))
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	defaults := ml.DefaultArtifactConfig(outDir)
	saves := []struct {
		name string
		save func(string) error
	}{
		{defaults.Classifier, tree.Save},
		{defaults.Scaler, scaler.Save},
		{defaults.LabelEncoder, set.Encoder.Save},
	}
	for _, s := range saves {
		path := filepath.Join(outDir, s.name)
		if err := s.save(path); err != nil {
			return fmt.Errorf("save %s: %w", s.name, err)
		}
		logger.Info("artifact written", zap.String("path", path))
	}
	return nil
}

func scaleAll(scaler ml.Scaler, rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		scaled, err := scaler.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("scale row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}
