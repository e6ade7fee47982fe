package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// NetworkShape records the hyperparameters that fix the layout of the learned
// parameter vectors. A checkpoint can only be restored into a potential with
// the same shape.
type NetworkShape struct {
	NumTypes           int     `json:"num_types"`
	EmbeddingDimension int     `json:"embedding_dimension"`
	HiddenChannels     int     `json:"hidden_channels"`
	NumRBF             int     `json:"num_rbf"`
	Activation         string  `json:"activation"`
	CutoffLower        float64 `json:"cutoff_lower"`
	CutoffUpper        float64 `json:"cutoff_upper"`
}

type Checkpoint struct {
	VersionedRecord
	ID         string               `json:"id"`
	RunID      string               `json:"run_id"`
	Epoch      int                  `json:"epoch"`
	TrainLoss  float64              `json:"train_loss"`
	ValLoss    *float64             `json:"val_loss,omitempty"`
	LR         float64              `json:"lr"`
	Shape      NetworkShape         `json:"shape"`
	Parameters map[string][]float64 `json:"parameters"`
}

// MetricRow is one logged training event. Values only carries the keys the
// run declared; absent keys are written as empty cells.
type MetricRow struct {
	RunID  string             `json:"run_id"`
	Kind   string             `json:"kind"`
	Seq    int                `json:"seq"`
	Values map[string]float64 `json:"values"`
}

const (
	MetricKindStep  = "step"
	MetricKindEpoch = "epoch"
)

type Run struct {
	VersionedRecord
	ID           string `json:"id"`
	Mode         string `json:"mode"`
	LogDir       string `json:"log_dir"`
	Epochs       int    `json:"epochs"`
	Seed         int64  `json:"seed"`
	CreatedAtUTC string `json:"created_at_utc"`
}
