package config

import (
	"math"
	"slices"
)

// Document renders c with the keys Parse accepts. Non-finite numbers are
// left out, so FromMap(Document()) reproduces c.
func (c Config) Document() map[string]any {
	doc := map[string]any{
		"device":               c.Device,
		"num_gpus":             c.NumGPUs,
		"num_cpus":             c.NumCPUs,
		"num_sim_workers":      c.NumSimWorkers,
		"local_worker":         c.LocalWorker,
		"sim_batch_size":       c.SimBatchSize,
		"batch_size":           c.BatchSize,
		"dataset":              c.Dataset,
		"forcefield":           c.Forcefield,
		"forceterms":           slices.Clone(c.ForceTerms),
		"exclusions":           slices.Clone(c.Exclusions),
		"cutoff_lower":         c.CutoffLower,
		"cutoff_upper":         c.CutoffUpper,
		"switch_dist":          c.SwitchDist,
		"embedding_dimension":  c.EmbeddingDimension,
		"hidden_channels":      c.HiddenChannels,
		"num_rbf":              c.NumRBF,
		"activation":           c.Activation,
		"derivative":           c.Derivative,
		"fd_step":              c.FDStep,
		"timestep":             c.Timestep,
		"temperature":          c.Temperature,
		"langevin_temperature": c.LangevinTemperature,
		"langevin_gamma":       c.LangevinGamma,
		"steps":                c.Steps,
		"output_period":        c.OutputPeriod,
		"max_restarts":         c.MaxRestarts,
		"max_energy":           c.MaxEnergy,
		"loss":                 c.Loss,
		"lr":                   c.LR,
		"lr_step_size":         c.LRStepSize,
		"lr_gamma":             c.LRGamma,
		"weight_decay":         c.WeightDecay,
		"margin":               c.Margin,
		"max_loss":             c.MaxLoss,
		"max_grad_norm":        c.MaxGradNorm,
		"energy_weight":        c.EnergyWeight,
		"neff":                 c.Neff,
		"num_epochs":           c.NumEpochs,
		"val_freq":             c.ValFreq,
		"val_size":             c.ValSize,
		"save_period":          c.SavePeriod,
		"noise_std":            c.NoiseStd,
		"seed":                 c.Seed,
		"log_dir":              c.LogDir,
		"keys":                 slices.Clone(c.Keys),
		"load_model":           c.LoadModel,
	}
	for key, value := range doc {
		if f, ok := value.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
			delete(doc, key)
		}
	}
	return doc
}
