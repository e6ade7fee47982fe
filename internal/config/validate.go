package config

import (
	"math"
	"runtime"
	"strings"
)

var knownExclusions = map[string]struct{}{
	"bonds":     {},
	"angles":    {},
	"dihedrals": {},
}

// Validate rejects malformed or contradictory hyperparameters. It runs before
// anything is simulated.
func (c Config) Validate() error {
	if c.CutoffLower < 0 {
		return configErr("cutoff_lower", c.CutoffLower, "must be >= 0")
	}
	if c.CutoffUpper <= 0 {
		return configErr("cutoff_upper", c.CutoffUpper, "must be > 0")
	}
	if c.CutoffLower > c.CutoffUpper {
		return configErr("cutoff_lower", c.CutoffLower, "must be <= cutoff_upper (%g)", c.CutoffUpper)
	}
	if c.SwitchDist < 0 || c.SwitchDist > c.CutoffUpper {
		return configErr("switch_dist", c.SwitchDist, "must be in [0, cutoff_upper]")
	}
	if len(c.ForceTerms) == 0 {
		return configErr("forceterms", c.ForceTerms, "at least one force term is required")
	}
	seen := make(map[string]struct{}, len(c.ForceTerms))
	for _, term := range c.ForceTerms {
		if term == "" {
			return configErr("forceterms", c.ForceTerms, "empty term name")
		}
		if _, dup := seen[term]; dup {
			return configErr("forceterms", c.ForceTerms, "duplicate term %s", term)
		}
		seen[term] = struct{}{}
	}
	for _, ex := range c.Exclusions {
		if _, ok := knownExclusions[ex]; !ok {
			return configErr("exclusions", c.Exclusions, "unsupported exclusion %s", ex)
		}
	}
	if c.Forcefield == "" {
		return configErr("forcefield", c.Forcefield, "path is required")
	}
	if c.EmbeddingDimension <= 0 {
		return configErr("embedding_dimension", c.EmbeddingDimension, "must be > 0")
	}
	if c.HiddenChannels <= 0 {
		return configErr("hidden_channels", c.HiddenChannels, "must be > 0")
	}
	if c.NumRBF <= 0 {
		return configErr("num_rbf", c.NumRBF, "must be > 0")
	}
	if c.Activation == "" {
		return configErr("activation", c.Activation, "activation name is required")
	}
	if !c.Derivative && c.FDStep <= 0 {
		return configErr("fd_step", c.FDStep, "must be > 0 when derivative is false")
	}
	if c.Timestep <= 0 {
		return configErr("timestep", c.Timestep, "must be > 0")
	}
	if c.Temperature < 0 {
		return configErr("temperature", c.Temperature, "must be >= 0")
	}
	if c.LangevinTemperature < 0 {
		return configErr("langevin_temperature", c.LangevinTemperature, "must be >= 0")
	}
	if c.LangevinGamma < 0 {
		return configErr("langevin_gamma", c.LangevinGamma, "must be >= 0")
	}
	if c.Steps <= 0 {
		return configErr("steps", c.Steps, "must be > 0")
	}
	if c.OutputPeriod <= 0 {
		return configErr("output_period", c.OutputPeriod, "must be > 0")
	}
	if c.OutputPeriod > c.Steps {
		return configErr("output_period", c.OutputPeriod, "must be <= steps (%d)", c.Steps)
	}
	if c.MaxRestarts < 0 {
		return configErr("max_restarts", c.MaxRestarts, "must be >= 0")
	}
	if c.MaxEnergy < 0 {
		return configErr("max_energy", c.MaxEnergy, "must be >= 0")
	}
	if c.SimBatchSize <= 0 {
		return configErr("sim_batch_size", c.SimBatchSize, "must be > 0")
	}
	if c.BatchSize <= 0 {
		return configErr("batch_size", c.BatchSize, "must be > 0")
	}
	if c.NumSimWorkers <= 0 {
		return configErr("num_sim_workers", c.NumSimWorkers, "must be > 0")
	}
	switch c.Loss {
	case LossForceMatching, LossWeightedEnsemble:
	default:
		return configErr("loss", c.Loss, "must be %s or %s", LossForceMatching, LossWeightedEnsemble)
	}
	if c.Dataset == "" {
		return configErr("dataset", c.Dataset, "path is required")
	}
	if c.LR <= 0 {
		return configErr("lr", c.LR, "must be > 0")
	}
	if c.LRStepSize < 0 {
		return configErr("lr_step_size", c.LRStepSize, "must be >= 0")
	}
	if c.LRGamma <= 0 || c.LRGamma > 1 {
		return configErr("lr_gamma", c.LRGamma, "must be in (0, 1]")
	}
	if c.WeightDecay < 0 {
		return configErr("weight_decay", c.WeightDecay, "must be >= 0")
	}
	if math.IsNaN(c.Margin) {
		return configErr("margin", c.Margin, "must be a number")
	}
	if !(c.MaxLoss > 0) {
		return configErr("max_loss", c.MaxLoss, "must be > 0")
	}
	if c.MaxGradNorm <= 0 {
		return configErr("max_grad_norm", c.MaxGradNorm, "must be > 0")
	}
	if c.EnergyWeight < 0 {
		return configErr("energy_weight", c.EnergyWeight, "must be >= 0")
	}
	if c.Neff < 0 || c.Neff > 1 {
		return configErr("neff", c.Neff, "must be in [0, 1]")
	}
	if c.NumEpochs <= 0 {
		return configErr("num_epochs", c.NumEpochs, "must be > 0")
	}
	if c.ValFreq < 0 {
		return configErr("val_freq", c.ValFreq, "must be >= 0")
	}
	if c.ValSize < 0 {
		return configErr("val_size", c.ValSize, "must be >= 0")
	}
	if c.ValFreq > 0 && c.ValSize == 0 {
		return configErr("val_size", c.ValSize, "must be > 0 when val_freq is set")
	}
	if c.SavePeriod < 0 {
		return configErr("save_period", c.SavePeriod, "must be >= 0")
	}
	if c.NoiseStd < 0 {
		return configErr("noise_std", c.NoiseStd, "must be >= 0")
	}
	if c.LogDir == "" {
		return configErr("log_dir", c.LogDir, "path is required")
	}
	if len(c.Keys) == 0 {
		return configErr("keys", c.Keys, "at least one metric key is required")
	}
	allowed := make(map[string]struct{}, len(MetricKeys))
	for _, key := range MetricKeys {
		allowed[key] = struct{}{}
	}
	for _, key := range c.Keys {
		if _, ok := allowed[key]; !ok {
			return configErr("keys", c.Keys, "unsupported metric key %s", key)
		}
	}
	return nil
}

// HasExclusion reports whether pairs of the named topology class are
// excluded from the nonbonded prior.
func (c Config) HasExclusion(name string) bool {
	for _, ex := range c.Exclusions {
		if ex == name {
			return true
		}
	}
	return false
}

// HasTerm reports whether the named force term is enabled.
func (c Config) HasTerm(name string) bool {
	for _, term := range c.ForceTerms {
		if term == name {
			return true
		}
	}
	return false
}

// EnergyBound is the absolute potential energy above which a replica is
// considered diverged.
func (c Config) EnergyBound() float64 {
	if c.MaxEnergy > 0 {
		return c.MaxEnergy
	}
	if !math.IsInf(c.MaxLoss, 1) {
		return c.MaxLoss * 1e4
	}
	return 1e10
}

// BathTemperature is the Langevin bath temperature. Zero follows
// temperature, so a bath is never left at 0 K by omission.
func (c Config) BathTemperature() float64 {
	if c.LangevinTemperature > 0 {
		return c.LangevinTemperature
	}
	return c.Temperature
}

// Resources describes what the host can offer to a run.
type Resources struct {
	CPUs int
	GPUs int
}

func HostResources() Resources {
	return Resources{CPUs: runtime.NumCPU()}
}

// CheckResources fails when the configuration asks for more execution units
// than are available.
func (c Config) CheckResources(avail Resources) error {
	device := strings.ToLower(c.Device)
	if device != "" && device != "cpu" {
		return resourceErr("device", c.Device, "only cpu execution is available")
	}
	if c.NumGPUs < 0 {
		return configErr("num_gpus", c.NumGPUs, "must be >= 0")
	}
	if c.NumGPUs > avail.GPUs {
		return resourceErr("num_gpus", c.NumGPUs, "requested %d gpus, %d available", c.NumGPUs, avail.GPUs)
	}
	if c.NumCPUs < 0 {
		return configErr("num_cpus", c.NumCPUs, "must be >= 0")
	}
	if c.NumCPUs > avail.CPUs {
		return resourceErr("num_cpus", c.NumCPUs, "requested %d cpus, %d available", c.NumCPUs, avail.CPUs)
	}
	cpus := c.NumCPUs
	if cpus == 0 {
		cpus = avail.CPUs
	}
	if c.NumSimWorkers > cpus {
		return resourceErr("num_sim_workers", c.NumSimWorkers, "exceeds %d available cpus", cpus)
	}
	return nil
}
