package posest

import (
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Method selects the pose solver run on every sample.
type Method int

const (
	// MethodIterative minimizes the reprojection error of the sample by Gauss-Newton,
	// starting from the caller's pose or from a P3P solution.
	MethodIterative Method = iota
	// MethodP3P solves three points in closed form, a fourth one picks among the solutions.
	MethodP3P
	// MethodDLT solves the linear n point problem on six points.
	MethodDLT
)

var methodNames = map[Method]string{
	MethodIterative: "ITERATIVE",
	MethodP3P:       "P3P",
	MethodDLT:       "DLT",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "UNKNOWN"
}

// SampleSize is the number of correspondences drawn per RANSAC iteration.
func (m Method) SampleSize() int {
	if m == MethodDLT {
		return 6
	}
	return 4
}

// ParseMethod reads a method name, case insensitive. The empty string is MethodIterative.
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return MethodIterative, nil
	}
	for m, name := range methodNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown pose method %q, expected one of ITERATIVE, P3P, DLT", s)
}

// Config holds the estimator settings.
type Config struct {
	Iterations  int     `json:"iterations_count"`
	ReprojError float64 `json:"reproj_error"`
	Confidence  float64 `json:"confidence"`
	MinInliers  int     `json:"min_inliers"`
	Method      string  `json:"method"`
	Seed        int64   `json:"seed"`
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Iterations:  1000,
		ReprojError: 4,
		Confidence:  0.99,
		MinInliers:  10,
		Method:      MethodIterative.String(),
	}
}

// Validate reports every invalid field of the config.
func (c *Config) Validate(path string) error {
	var errs error
	if c.Iterations <= 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: iterations_count must be positive, got %d", path, c.Iterations))
	}
	if c.ReprojError <= 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: reproj_error must be positive, got %v", path, c.ReprojError))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		errs = multierr.Append(errs, errors.Errorf("%s: confidence must be in [0, 1], got %v", path, c.Confidence))
	}
	if c.MinInliers <= 0 {
		errs = multierr.Append(errs, errors.Errorf("%s: min_inliers must be positive, got %d", path, c.MinInliers))
	}
	if _, err := ParseMethod(c.Method); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, path))
	}
	return errs
}

// ConfigFromAttributes decodes an attribute map over DefaultConfig and validates the result.
func ConfigFromAttributes(attributes map[string]interface{}) (Config, error) {
	conf := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &conf,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Config{}, errors.Wrap(err, "decoding pose estimation attributes")
	}
	if err := conf.Validate("pose"); err != nil {
		return Config{}, err
	}
	return conf, nil
}
