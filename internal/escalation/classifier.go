package escalation

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"quagmire/internal/metadata"
	"quagmire/internal/state"
)

// Classifier is a logistic model loaded from a JSON artifact produced by
// the offline training pipeline. When present, its output dominates the
// combined score.
type Classifier struct {
	Features []string  `json:"features"`
	Weights  []float64 `json:"weights"`
	Bias     float64   `json:"bias"`
}

// Combined-score mixing. The trained model carries most of the weight; the
// heuristic rules keep a floor under it.
const (
	ruleWeight  = 0.3
	modelWeight = 0.7
)

// LoadClassifier reads a model artifact. A missing path returns (nil, nil)
// so deployments without a trained model run rules-only.
func LoadClassifier(path string) (*Classifier, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- model path from trusted config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading model artifact: %w", err)
	}
	var c Classifier
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing model artifact: %w", err)
	}
	if len(c.Features) != len(c.Weights) {
		return nil, fmt.Errorf("model artifact has %d features but %d weights", len(c.Features), len(c.Weights))
	}
	return &c, nil
}

// Predict returns the model probability for the request being automated.
func (c *Classifier) Predict(md metadata.RequestMetadata, freq state.Frequency) float64 {
	z := c.Bias
	for i, name := range c.Features {
		z += c.Weights[i] * featureValue(name, md, freq)
	}
	return 1 / (1 + math.Exp(-z))
}

// featureValue maps an artifact feature name to its runtime value. Unknown
// names contribute zero so old binaries tolerate newer artifacts.
func featureValue(name string, md metadata.RequestMetadata, freq state.Frequency) float64 {
	switch name {
	case "ua_length":
		return float64(len(md.UserAgent))
	case "ua_empty":
		return boolFeature(md.UserAgent == "")
	case "path_depth":
		return float64(strings.Count(strings.Trim(md.Path, "/"), "/") + 1)
	case "path_length":
		return float64(len(md.Path))
	case "query_length":
		return float64(len(md.Query))
	case "has_referer":
		return boolFeature(md.Referer != "")
	case "header_count":
		return float64(len(md.Headers))
	case "freq_count":
		return float64(freq.Count)
	case "seconds_since_previous":
		if !freq.HasPrevious {
			return -1
		}
		return freq.SincePrevious.Seconds()
	case "is_get":
		return boolFeature(md.Method == "GET")
	default:
		return 0
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
