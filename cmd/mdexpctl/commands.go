package main

import (
	"errors"
	"math"

	"github.com/spf13/cobra"

	"mdexp/pkg/mdexp"
)

func (c *cli) trainCommand() *cobra.Command {
	var (
		configPath string
		runID      string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run training epochs as configured; load_model resumes a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Train(cmd.Context(), mdexp.TrainRequest{ConfigPath: configPath, RunID: runID})
			if err != nil {
				return err
			}
			if jsonOut {
				return c.printJSON(trainSummaryJSON(summary))
			}
			c.printf("run_id=%s log_dir=%s epoch=%d steps=%d train_loss=%.6f val_loss=%s\n",
				summary.RunID, summary.LogDir, summary.Epoch, summary.Steps, summary.TrainLoss, formatOptional(summary.ValLoss))
			c.printf("checkpoints=%d unstable_batches=%d diverged=%d low_neff=%d\n",
				summary.Checkpoints, summary.UnstableBatches, summary.Diverged, summary.LowNeff)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration document")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: checkpoint run id or a new uuid)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the summary as JSON")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func (c *cli) simulateCommand() *cobra.Command {
	var (
		req     mdexp.SimulateRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Roll out the dataset molecules under a learned potential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			defer client.Close()

			out, err := client.Simulate(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOut {
				return c.printJSON(simulateSummaryJSON(out))
			}
			c.printf("replicas=%d snapshots=%d diverged=%d retired=%d\n", len(out.Replicas), out.Snapshots, out.Diverged, out.Retired)
			for _, r := range out.Replicas {
				c.printf("replica=%d molecule=%s snapshots=%d restarts=%d retired=%t final_energy=%.6f trajectory=%s\n",
					r.Replica, r.Molecule, r.Snapshots, r.Restarts, r.Retired, r.FinalEnergy, r.Trajectory)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ConfigPath, "config", "", "YAML configuration document")
	cmd.Flags().StringVar(&req.Checkpoint, "checkpoint", "", ".ckpt file with learned parameters")
	cmd.Flags().IntVar(&req.Steps, "steps", 0, "integration steps (default: steps from config)")
	cmd.Flags().IntVar(&req.OutputPeriod, "output-period", 0, "steps between snapshots (default: output_period from config)")
	cmd.Flags().IntVar(&req.Replicas, "replicas", 0, "number of replicas (default: sim_batch_size from config)")
	cmd.Flags().StringVar(&req.TrajectoryDir, "trajectory-dir", "", "write one XYZ trajectory per replica into this directory")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the summary as JSON")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func (c *cli) validateConfigCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Check a configuration document and the host resources it asks for",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := mdexp.ValidateConfig(configPath)
			if err != nil {
				return err
			}
			c.printf("config ok: loss=%s forceterms=%v cutoff=[%g,%g] steps=%d output_period=%d log_dir=%s\n",
				cfg.Loss, cfg.ForceTerms, cfg.CutoffLower, cfg.CutoffUpper, cfg.Steps, cfg.OutputPeriod, cfg.LogDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration document")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func (c *cli) runsCommand() *cobra.Command {
	var (
		req     mdexp.RunsRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List indexed training runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, err := c.client()
			if err != nil {
				return err
			}
			defer client.Close()

			runs, err := client.Runs(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOut {
				items := make([]runJSON, 0, len(runs))
				for _, r := range runs {
					items = append(items, runJSON(r))
				}
				return c.printJSON(items)
			}
			if len(runs) == 0 {
				c.printf("no runs found\n")
				return nil
			}
			for _, r := range runs {
				c.printf("run_id=%s created_at=%s mode=%s epoch=%d steps=%d train_loss=%s val_loss=%s checkpoints=%d log_dir=%s\n",
					r.RunID, r.CreatedAtUTC, r.Mode, r.Epoch, r.Steps, formatOptional(r.FinalTrainLoss), formatOptional(r.FinalValLoss), r.Checkpoints, r.LogDir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Dir, "dir", "", "run index directory (default: --runs-dir)")
	cmd.Flags().IntVar(&req.Limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs as JSON")
	return cmd
}

func (c *cli) metricsCommand() *cobra.Command {
	var (
		req     mdexp.MetricsRequest
		summary bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the logged metric rows of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Metrics(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOut {
				if summary {
					return c.printJSON(res.Series)
				}
				return c.printJSON(res.Rows)
			}
			if summary {
				for _, s := range res.Series {
					c.printf("key=%s count=%d mean=%.6f std=%.6f min=%.6f max=%.6f first=%.6f last=%.6f\n",
						s.Key, s.Count, s.Mean, s.Std, s.Min, s.Max, s.First, s.Last)
				}
				return nil
			}
			for _, row := range res.Rows {
				c.printf("run_id=%s kind=%s seq=%d", res.RunID, res.Kind, row.Seq)
				for _, s := range res.Series {
					if v, ok := row.Values[s.Key]; ok && !math.IsNaN(v) {
						c.printf(" %s=%g", s.Key, v)
					}
				}
				c.printf("\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the latest indexed run")
	cmd.Flags().StringVar(&req.Dir, "dir", "", "run index directory (default: --runs-dir)")
	cmd.Flags().StringVar(&req.Kind, "kind", "epoch", "metric kind: epoch|step")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "show only the last N rows (0 = all)")
	cmd.Flags().BoolVar(&summary, "summary", false, "summarize every key instead of listing rows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit JSON")
	return cmd
}

func (c *cli) checkpointsCommand() *cobra.Command {
	var (
		req     mdexp.CheckpointsRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List the checkpoints of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			defer client.Close()

			ckpts, err := client.Checkpoints(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOut {
				items := make([]checkpointJSON, 0, len(ckpts))
				for _, ck := range ckpts {
					items = append(items, checkpointJSON(ck))
				}
				return c.printJSON(items)
			}
			if len(ckpts) == 0 {
				c.printf("no checkpoints found\n")
				return nil
			}
			for _, ck := range ckpts {
				c.printf("epoch=%d train_loss=%.6f val_loss=%s lr=%g path=%s\n", ck.Epoch, ck.TrainLoss, formatOptional(ck.ValLoss), ck.LR, ck.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "use the latest indexed run")
	cmd.Flags().StringVar(&req.Dir, "dir", "", "run index directory (default: --runs-dir)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit checkpoints as JSON")
	return cmd
}
