package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
	"github.com/tsawler/go-lightning/training"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// FormatForPath picks FormatProto for ".pb" files and FormatJSON otherwise
func FormatForPath(path string) CheckpointFormat {
	if filepath.Ext(path) == ".pb" {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint represents the state of a trial: parameter values, optimizer
// settings, scheduler positions and training progress
type Checkpoint struct {
	Weights        []WeightTensor             `json:"weights"`
	TrainingState  TrainingState              `json:"training_state"`
	OptimizerState []OptimizerState           `json:"optimizer_state,omitempty"`
	SchedulerState []optimizer.SchedulerState `json:"scheduler_state,omitempty"`
	Metadata       CheckpointMetadata         `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Model int       `json:"model"`
}

// TrainingState captures training progress. Step is the global index of the
// last trained batch.
type TrainingState struct {
	Epoch   int                `json:"epoch"`
	Step    int                `json:"step"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// OptimizerState captures the settings of one wrapped optimizer
type OptimizerState struct {
	Type         string  `json:"type"`
	LearningRate float64 `json:"learning_rate"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	TrialID   string    `json:"trial_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags,omitempty"`
}

// Capture snapshots the models and optimizers wrapped by lctx
func Capture(lctx *training.LocalContext, summary training.EpochSummary) *Checkpoint {
	checkpoint := &Checkpoint{
		TrainingState: TrainingState{
			Epoch:   summary.Epoch,
			Metrics: summary.Train.Scalars(),
		},
		Metadata: CheckpointMetadata{TrialID: lctx.ID()},
	}
	if idx, ok := lctx.CurrentBatchIdx(); ok {
		checkpoint.TrainingState.Step = idx
	}

	for m, model := range lctx.Models() {
		for i, p := range model.Parameters() {
			checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
				Name:  fmt.Sprintf("model%d.param%d", m, i),
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float32(nil), p.Data...),
				Model: m,
			})
		}
	}

	for _, opt := range lctx.Optimizers() {
		checkpoint.OptimizerState = append(checkpoint.OptimizerState, OptimizerState{
			Type:         opt.Name(),
			LearningRate: opt.GetLR(),
		})
	}

	for _, s := range lctx.LRSchedulers() {
		checkpoint.SchedulerState = append(checkpoint.SchedulerState, s.Scheduler().State())
	}

	return checkpoint
}

// Restore copies checkpointed parameter values, learning rates and
// scheduler positions into the models, optimizers and schedulers wrapped by
// lctx. All must have been wrapped in the same order as when the checkpoint
// was captured. Nothing is modified unless
// the whole checkpoint matches.
func Restore(checkpoint *Checkpoint, lctx *training.LocalContext) error {
	var params []*tensor.Tensor
	for _, model := range lctx.Models() {
		params = append(params, model.Parameters()...)
	}
	if len(params) != len(checkpoint.Weights) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(checkpoint.Weights), len(params))
	}

	for i, p := range params {
		weight := checkpoint.Weights[i]
		if len(p.Shape) != len(weight.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", weight.Name, p.Shape, weight.Shape)
		}
		for j, dim := range p.Shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d", weight.Name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != len(p.Data) {
			return fmt.Errorf("data length mismatch for weight %s: tensor %d vs weight %d", weight.Name, len(p.Data), len(weight.Data))
		}
	}

	opts := lctx.Optimizers()
	if len(checkpoint.OptimizerState) != len(opts) {
		return fmt.Errorf("optimizer count mismatch: %d in checkpoint, %d wrapped", len(checkpoint.OptimizerState), len(opts))
	}
	for i, state := range checkpoint.OptimizerState {
		if state.Type != opts[i].Name() {
			return fmt.Errorf("optimizer %d type mismatch: checkpoint %s vs wrapped %s", i, state.Type, opts[i].Name())
		}
	}

	schedulers := lctx.LRSchedulers()
	if len(checkpoint.SchedulerState) != len(schedulers) {
		return fmt.Errorf("scheduler count mismatch: %d in checkpoint, %d wrapped", len(checkpoint.SchedulerState), len(schedulers))
	}
	for i, state := range checkpoint.SchedulerState {
		if name := schedulers[i].Scheduler().Policy().GetName(); state.Policy != name {
			return fmt.Errorf("scheduler %d policy mismatch: checkpoint %s vs wrapped %s", i, state.Policy, name)
		}
	}

	for i, p := range params {
		copy(p.Data, checkpoint.Weights[i].Data)
	}
	for i, state := range checkpoint.OptimizerState {
		opts[i].SetLR(state.LearningRate)
	}
	for i, state := range checkpoint.SchedulerState {
		if err := schedulers[i].Scheduler().LoadState(state); err != nil {
			return fmt.Errorf("failed to restore scheduler %d: %v", i, err)
		}
	}

	return nil
}

// CheckpointSaver handles saving checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes checkpoint to path
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-lightning"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint reads a checkpoint from path
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	return &checkpoint, nil
}

// saveProto writes the checkpoint as a binary google.protobuf.Struct
func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("failed to build checkpoint struct: %v", err)
	}

	data, err := proto.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %v", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %v", err)
	}

	raw, err := protojson.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(raw, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}
