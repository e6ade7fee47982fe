package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrResource      = errors.New("resource error")
)

// Error names the offending key and value. It unwraps to ErrConfiguration or
// ErrResource.
type Error struct {
	Key    string
	Value  any
	Reason string
	kind   error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%v: %s", e.kind, e.Reason)
	}
	return fmt.Sprintf("%v: %s=%v: %s", e.kind, e.Key, e.Value, e.Reason)
}

func (e *Error) Unwrap() error { return e.kind }

func configErr(key string, value any, format string, args ...any) error {
	return &Error{Key: key, Value: value, Reason: fmt.Sprintf(format, args...), kind: ErrConfiguration}
}

// Invalid reports a configuration error on key.
func Invalid(key string, value any, format string, args ...any) error {
	return configErr(key, value, format, args...)
}

func resourceErr(key string, value any, format string, args ...any) error {
	return &Error{Key: key, Value: value, Reason: fmt.Sprintf(format, args...), kind: ErrResource}
}

const (
	LossForceMatching    = "force_matching"
	LossWeightedEnsemble = "weighted_ensemble"
)

// MetricKeys lists every column a run may declare in keys.
var MetricKeys = []string{
	"epoch",
	"steps",
	"lr",
	"train_loss",
	"train_avg_metric",
	"val_loss",
	"val_avg_metric",
	"level",
	"timestep",
	"unstable_batches",
	"diverged_replicas",
	"low_neff",
}

// Config is the immutable hyperparameter record of a run.
type Config struct {
	Device        string
	NumGPUs       int
	NumCPUs       int
	NumSimWorkers int
	LocalWorker   bool
	SimBatchSize  int
	BatchSize     int

	Dataset    string
	Forcefield string
	ForceTerms []string
	Exclusions []string

	CutoffLower float64
	CutoffUpper float64
	SwitchDist  float64

	EmbeddingDimension int
	HiddenChannels     int
	NumRBF             int
	Activation         string
	Derivative         bool
	FDStep             float64

	Timestep            float64
	Temperature         float64
	// LangevinTemperature of zero means the bath runs at Temperature.
	LangevinTemperature float64
	LangevinGamma       float64
	Steps               int
	OutputPeriod        int
	MaxRestarts         int
	MaxEnergy           float64

	Loss         string
	LR           float64
	LRStepSize   int
	LRGamma      float64
	WeightDecay  float64
	Margin       float64
	MaxLoss      float64
	MaxGradNorm  float64
	EnergyWeight float64
	Neff         float64
	NumEpochs    int
	ValFreq      int
	ValSize      float64
	SavePeriod   int
	NoiseStd     float64

	Seed      int64
	LogDir    string
	Keys      []string
	LoadModel string
}

// Default returns the values used for every optional key.
func Default() Config {
	return Config{
		Device:             "cpu",
		NumSimWorkers:      1,
		LocalWorker:        true,
		SimBatchSize:       1,
		BatchSize:          8,
		ForceTerms:         []string{"bonds", "repulsioncg", "dihedrals"},
		Exclusions:         []string{"bonds"},
		CutoffUpper:        9.0,
		EmbeddingDimension: 128,
		HiddenChannels:     64,
		NumRBF:             32,
		Activation:         "tanh",
		Derivative:         true,
		FDStep:             1e-5,
		Timestep:           1,
		Temperature:        350,
		LangevinGamma:      0.1,
		Steps:              400,
		OutputPeriod:       8,
		MaxRestarts:        3,
		Loss:               LossForceMatching,
		LR:                 1e-4,
		LRStepSize:         50,
		LRGamma:            0.8,
		WeightDecay:        0.01,
		Margin:             -1.0,
		MaxLoss:            math.Inf(1),
		MaxGradNorm:        550,
		Neff:               0.9,
		NumEpochs:          1,
		SavePeriod:         1,
		Seed:               1,
		Keys:               []string{"epoch", "steps", "lr", "train_loss", "train_avg_metric", "val_loss"},
	}
}

// Load reads a YAML configuration document, applies it over Default and
// validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: parse document: %v", ErrConfiguration, err)
	}
	cfg, err := FromMap(raw)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromMap applies raw over Default. Unknown keys, missing required keys and
// values of the wrong type are rejected.
func FromMap(raw map[string]any) (Config, error) {
	cfg := Default()

	unknown := make([]string, 0)
	for key := range raw {
		if _, ok := fieldSetters[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Config{}, configErr(unknown[0], raw[unknown[0]], "unknown key")
	}
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			return Config{}, configErr(key, nil, "required key is missing")
		}
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := raw[key]
		if value == nil {
			continue
		}
		if err := fieldSetters[key](&cfg, value); err != nil {
			return Config{}, configErr(key, value, "%v", err)
		}
	}
	if _, ok := raw["langevin_temperature"]; !ok {
		cfg.LangevinTemperature = cfg.Temperature
	}
	return cfg, nil
}

var requiredKeys = []string{
	"forcefield",
	"forceterms",
	"cutoff_upper",
	"embedding_dimension",
	"timestep",
	"temperature",
	"steps",
	"output_period",
	"lr",
	"log_dir",
}

type setter func(cfg *Config, v any) error

func stringField(set func(cfg *Config, s string)) setter {
	return func(cfg *Config, v any) error {
		s, ok := asString(v)
		if !ok {
			return fmt.Errorf("expected string")
		}
		set(cfg, s)
		return nil
	}
}

func intField(set func(cfg *Config, n int)) setter {
	return func(cfg *Config, v any) error {
		n, ok := asInt(v)
		if !ok {
			return fmt.Errorf("expected integer")
		}
		set(cfg, n)
		return nil
	}
}

func floatField(set func(cfg *Config, f float64)) setter {
	return func(cfg *Config, v any) error {
		f, ok := asFloat64(v)
		if !ok {
			return fmt.Errorf("expected number")
		}
		set(cfg, f)
		return nil
	}
}

func boolField(set func(cfg *Config, b bool)) setter {
	return func(cfg *Config, v any) error {
		b, ok := asBool(v)
		if !ok {
			return fmt.Errorf("expected boolean")
		}
		set(cfg, b)
		return nil
	}
}

func stringsField(set func(cfg *Config, xs []string)) setter {
	return func(cfg *Config, v any) error {
		xs, ok := asStrings(v)
		if !ok {
			return fmt.Errorf("expected list of strings")
		}
		set(cfg, xs)
		return nil
	}
}

var fieldSetters = map[string]setter{
	"device":               stringField(func(c *Config, s string) { c.Device = s }),
	"num_gpus":             intField(func(c *Config, n int) { c.NumGPUs = n }),
	"num_cpus":             intField(func(c *Config, n int) { c.NumCPUs = n }),
	"num_sim_workers":      intField(func(c *Config, n int) { c.NumSimWorkers = n }),
	"local_worker":         boolField(func(c *Config, b bool) { c.LocalWorker = b }),
	"sim_batch_size":       intField(func(c *Config, n int) { c.SimBatchSize = n }),
	"batch_size":           intField(func(c *Config, n int) { c.BatchSize = n }),
	"dataset":              stringField(func(c *Config, s string) { c.Dataset = s }),
	"forcefield":           stringField(func(c *Config, s string) { c.Forcefield = s }),
	"forceterms":           stringsField(func(c *Config, xs []string) { c.ForceTerms = lowerAll(xs) }),
	"exclusions":           stringsField(func(c *Config, xs []string) { c.Exclusions = lowerAll(xs) }),
	"cutoff_lower":         floatField(func(c *Config, f float64) { c.CutoffLower = f }),
	"cutoff_upper":         floatField(func(c *Config, f float64) { c.CutoffUpper = f }),
	"switch_dist":          floatField(func(c *Config, f float64) { c.SwitchDist = f }),
	"embedding_dimension":  intField(func(c *Config, n int) { c.EmbeddingDimension = n }),
	"hidden_channels":      intField(func(c *Config, n int) { c.HiddenChannels = n }),
	"num_rbf":              intField(func(c *Config, n int) { c.NumRBF = n }),
	"activation":           stringField(func(c *Config, s string) { c.Activation = s }),
	"derivative":           boolField(func(c *Config, b bool) { c.Derivative = b }),
	"fd_step":              floatField(func(c *Config, f float64) { c.FDStep = f }),
	"timestep":             floatField(func(c *Config, f float64) { c.Timestep = f }),
	"temperature":          floatField(func(c *Config, f float64) { c.Temperature = f }),
	"langevin_temperature": floatField(func(c *Config, f float64) { c.LangevinTemperature = f }),
	"langevin_gamma":       floatField(func(c *Config, f float64) { c.LangevinGamma = f }),
	"steps":                intField(func(c *Config, n int) { c.Steps = n }),
	"output_period":        intField(func(c *Config, n int) { c.OutputPeriod = n }),
	"max_restarts":         intField(func(c *Config, n int) { c.MaxRestarts = n }),
	"max_energy":           floatField(func(c *Config, f float64) { c.MaxEnergy = f }),
	"loss":                 stringField(func(c *Config, s string) { c.Loss = s }),
	"lr":                   floatField(func(c *Config, f float64) { c.LR = f }),
	"lr_step_size":         intField(func(c *Config, n int) { c.LRStepSize = n }),
	"lr_gamma":             floatField(func(c *Config, f float64) { c.LRGamma = f }),
	"weight_decay":         floatField(func(c *Config, f float64) { c.WeightDecay = f }),
	"margin":               floatField(func(c *Config, f float64) { c.Margin = f }),
	"max_loss":             floatField(func(c *Config, f float64) { c.MaxLoss = f }),
	"max_grad_norm":        floatField(func(c *Config, f float64) { c.MaxGradNorm = f }),
	"energy_weight":        floatField(func(c *Config, f float64) { c.EnergyWeight = f }),
	"neff":                 floatField(func(c *Config, f float64) { c.Neff = f }),
	"num_epochs":           intField(func(c *Config, n int) { c.NumEpochs = n }),
	"val_freq":             intField(func(c *Config, n int) { c.ValFreq = n }),
	"val_size":             floatField(func(c *Config, f float64) { c.ValSize = f }),
	"save_period":          intField(func(c *Config, n int) { c.SavePeriod = n }),
	"noise_std":            floatField(func(c *Config, f float64) { c.NoiseStd = f }),
	"seed": func(c *Config, v any) error {
		n, ok := asInt64(v)
		if !ok {
			return fmt.Errorf("expected integer")
		}
		c.Seed = n
		return nil
	},
	"log_dir":    stringField(func(c *Config, s string) { c.LogDir = s }),
	"keys":       stringsField(func(c *Config, xs []string) { c.Keys = xs }),
	"load_model": stringField(func(c *Config, s string) { c.LoadModel = s }),
}

// KnownKeys returns the sorted list of accepted document keys.
func KnownKeys() []string {
	keys := make([]string, 0, len(fieldSetters))
	for key := range fieldSetters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func lowerAll(xs []string) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = strings.ToLower(strings.TrimSpace(x))
	}
	return out
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
			return 0, false
		}
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		// Beyond 2^53 a float no longer holds an exact integer.
		if x != math.Trunc(x) || math.Abs(x) > 1<<53 {
			return 0, false
		}
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// asStrings accepts a YAML sequence of strings or a single string.
func asStrings(v any) ([]string, bool) {
	switch x := v.(type) {
	case string:
		return []string{x}, true
	case []string:
		return append([]string(nil), x...), true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
