package storage

import (
	"encoding/json"
	"errors"

	"mdexp/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// stamp fills in the current versions on records that were built without
// them.
func stamp(v *model.VersionedRecord) {
	if v.SchemaVersion == 0 && v.CodecVersion == 0 {
		v.SchemaVersion = CurrentSchemaVersion
		v.CodecVersion = CurrentCodecVersion
	}
}

func EncodeRun(r model.Run) ([]byte, error) {
	stamp(&r.VersionedRecord)
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.Run, error) {
	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return model.Run{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.Run{}, err
	}
	return run, nil
}

func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	stamp(&c.VersionedRecord)
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var ckpt model.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(ckpt.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	return ckpt, nil
}

func EncodeMetricValues(values map[string]float64) ([]byte, error) {
	return json.Marshal(values)
}

func DecodeMetricValues(data []byte) (map[string]float64, error) {
	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
