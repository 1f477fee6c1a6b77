package gtr

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Activation is the activation function used by transformer feed-forward blocks.
type Activation uint16

const (
	ActivationReLU Activation = iota
	ActivationGELU
)

// ParseActivation resolves an activation name from configuration.
func ParseActivation(name string) (Activation, error) {
	switch name {
	case "", "relu":
		return ActivationReLU, nil
	case "gelu":
		return ActivationGELU, nil
	default:
		return ActivationReLU, errors.Errorf("unsupported activation '%s'", name)
	}
}

// EmbeddingKind selects the embedding strategy. Resolved once at construction.
type EmbeddingKind uint16

const (
	// EmbeddingNone disables positional/temporal embeddings (zero vectors)
	EmbeddingNone EmbeddingKind = iota
	// EmbeddingLearned uses learned discretized bucket embeddings
	EmbeddingLearned
)

// EmbeddingMeta configures the embedding strategy of the transformer.
type EmbeddingMeta struct {
	Kind EmbeddingKind
	// LearnPosEmbNum is the number of learned positional buckets
	LearnPosEmbNum int
	// LearnTempEmbNum is the number of learned temporal buckets
	LearnTempEmbNum int
	// OverBoxes derives positional buckets from the four box coordinates
	// instead of the box center
	OverBoxes bool
}

// DefaultEmbeddingMeta returns the learned embedding setup with 16 buckets each.
func DefaultEmbeddingMeta() EmbeddingMeta {
	return EmbeddingMeta{
		Kind:            EmbeddingLearned,
		LearnPosEmbNum:  16,
		LearnTempEmbNum: 16,
		OverBoxes:       true,
	}
}

// EncoderConfig configures the visual encoder backbone.
type EncoderConfig struct {
	Backbone Backbone
	// CropSize is the square side length crops are resized to before encoding
	CropSize int
	// Padding is the extra zero border added around the resized crop
	Padding int
	// InChans is the number of input image channels
	InChans int
	// Seed drives deterministic weight initialization
	Seed int64
}

// DefaultEncoderConfig returns the default small residual backbone setup.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		Backbone: BackboneResNet18Slim,
		CropSize: 128,
		Padding:  0,
		InChans:  3,
		Seed:     42,
	}
}

// Validate fails fast on an unusable encoder configuration.
func (cfg EncoderConfig) Validate() error {
	if cfg.CropSize <= 0 {
		return errors.Errorf("crop size must be positive, got %d", cfg.CropSize)
	}
	if cfg.Padding < 0 {
		return errors.Errorf("padding must be non-negative, got %d", cfg.Padding)
	}
	if cfg.InChans <= 0 {
		return errors.Errorf("input channels must be positive, got %d", cfg.InChans)
	}
	if cfg.Backbone != BackboneResNet18Slim && cfg.Backbone != BackboneTiny {
		return errors.Errorf("unsupported backbone %d", cfg.Backbone)
	}
	return nil
}

// ModelConfig configures the association transformer and its visual encoder.
type ModelConfig struct {
	Encoder EncoderConfig
	// DModel is the feature dimension of encoder/decoder inputs
	DModel int
	// NHead is the number of attention heads
	NHead int
	// NumEncoderLayers is the number of encoder blocks
	NumEncoderLayers int
	// NumDecoderLayers is the number of decoder blocks
	NumDecoderLayers int
	// DimFeedforward is the width of transformer feed-forward blocks
	DimFeedforward int
	// Dropout is applied to transformer layer outputs during training only
	Dropout float64
	// Activation is the feed-forward activation function
	Activation Activation
	// ReturnIntermediateDec exposes per-decoder-layer association scores
	ReturnIntermediateDec bool
	// FeatureDimAttnHead is the common projection dimension of the association head
	FeatureDimAttnHead int
	// Norm enables layer normalization on encoder/decoder outputs
	Norm bool
	// NumLayersAttnHead is the number of feed-forward layers in the association head
	NumLayersAttnHead int
	// DropoutAttnHead is the dropout rate inside the association head
	DropoutAttnHead float64
	// EmbeddingMeta selects and parametrizes the embedding strategy
	EmbeddingMeta EmbeddingMeta
	// ReturnEmbedding exposes the positional/temporal embeddings for diagnostics
	ReturnEmbedding bool
	// DecoderSelfAttn enables self attention inside decoder blocks
	DecoderSelfAttn bool
	// Seed drives deterministic weight initialization
	Seed int64
}

// DefaultModelConfig returns a workable small association model configuration.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Encoder:               DefaultEncoderConfig(),
		DModel:                256,
		NHead:                 8,
		NumEncoderLayers:      1,
		NumDecoderLayers:      1,
		DimFeedforward:        1024,
		Dropout:               0.1,
		Activation:            ActivationReLU,
		ReturnIntermediateDec: false,
		FeatureDimAttnHead:    256,
		Norm:                  false,
		NumLayersAttnHead:     2,
		DropoutAttnHead:       0.1,
		EmbeddingMeta:         DefaultEmbeddingMeta(),
		ReturnEmbedding:       false,
		DecoderSelfAttn:       false,
		Seed:                  42,
	}
}

// Validate fails fast on an unusable model configuration.
func (cfg ModelConfig) Validate() error {
	if err := cfg.Encoder.Validate(); err != nil {
		return errors.Wrap(err, "encoder config")
	}
	if cfg.DModel <= 0 {
		return errors.Errorf("d_model must be positive, got %d", cfg.DModel)
	}
	if cfg.NHead <= 0 {
		return errors.Errorf("nhead must be positive, got %d", cfg.NHead)
	}
	if cfg.DModel%cfg.NHead != 0 {
		return errors.Errorf("d_model %d must be divisible by nhead %d", cfg.DModel, cfg.NHead)
	}
	if cfg.NumEncoderLayers <= 0 || cfg.NumDecoderLayers <= 0 {
		return errors.Errorf("encoder/decoder layer counts must be positive, got %d/%d",
			cfg.NumEncoderLayers, cfg.NumDecoderLayers)
	}
	if cfg.DimFeedforward <= 0 {
		return errors.Errorf("dim_feedforward must be positive, got %d", cfg.DimFeedforward)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %f", cfg.Dropout)
	}
	if cfg.DropoutAttnHead < 0 || cfg.DropoutAttnHead >= 1 {
		return errors.Errorf("dropout_attn_head must be in [0, 1), got %f", cfg.DropoutAttnHead)
	}
	if cfg.FeatureDimAttnHead <= 0 {
		return errors.Errorf("feature_dim_attn_head must be positive, got %d", cfg.FeatureDimAttnHead)
	}
	if cfg.NumLayersAttnHead <= 0 {
		return errors.Errorf("num_layers_attn_head must be positive, got %d", cfg.NumLayersAttnHead)
	}
	switch cfg.EmbeddingMeta.Kind {
	case EmbeddingNone:
	case EmbeddingLearned:
		if cfg.EmbeddingMeta.LearnPosEmbNum <= 0 {
			return errors.Errorf("learn_pos_emb_num must be positive, got %d", cfg.EmbeddingMeta.LearnPosEmbNum)
		}
		if cfg.EmbeddingMeta.LearnTempEmbNum <= 0 {
			return errors.Errorf("learn_temp_emb_num must be positive, got %d", cfg.EmbeddingMeta.LearnTempEmbNum)
		}
	default:
		return errors.Errorf("unsupported embedding kind %d", cfg.EmbeddingMeta.Kind)
	}
	return nil
}

// LossConfig configures the association loss.
type LossConfig struct {
	// NegUnmatched adds an explicit penalty term for unmatched ground truth pairs
	NegUnmatched bool
	// Epsilon is the probability floor used for numerical stabilization
	Epsilon float64
	// AssoWeight scales the final loss value
	AssoWeight float64
}

// DefaultLossConfig returns the default loss setup.
func DefaultLossConfig() LossConfig {
	return LossConfig{
		NegUnmatched: false,
		Epsilon:      1e-4,
		AssoWeight:   1.0,
	}
}

// Validate fails fast on an unusable loss configuration.
func (cfg LossConfig) Validate() error {
	if cfg.Epsilon <= 0 || cfg.Epsilon >= 1 {
		return errors.Errorf("epsilon must be in (0, 1), got %g", cfg.Epsilon)
	}
	if cfg.AssoWeight <= 0 {
		return errors.Errorf("asso_weight must be positive, got %f", cfg.AssoWeight)
	}
	return nil
}

// AssignmentAlgorithm selects how admissible candidates are resolved to assignments.
type AssignmentAlgorithm uint16

const (
	// AssignmentGreedy resolves candidates highest-score-first
	AssignmentGreedy AssignmentAlgorithm = iota
	// AssignmentHungarian uses the Kuhn-Munkres algorithm for optimal assignment
	AssignmentHungarian
)

// TrackerConfig configures the association resolver.
type TrackerConfig struct {
	// WindowSize is the sliding window length used during inference
	WindowSize int
	// UseVisFeats disables the visual encoder when false (embedding-only association)
	UseVisFeats bool
	// OverlapThresh is the minimum combined score for continuing a track
	OverlapThresh float64
	// MultThresh combines gate values multiplicatively instead of additively
	MultThresh bool
	// DecayTime down-weights tracks unseen for several frames. Nil disables decay.
	DecayTime *float64
	// IoU is the minimum IoU between a detection and a track's last box. Nil disables the gate.
	IoU *float64
	// MaxCenterDist is the maximum normalized center distance. Nil disables the gate.
	MaxCenterDist *float64
	// MaxDetectionsPerFrame bounds detections accepted per frame
	MaxDetectionsPerFrame int
	// MaxGap is the number of consecutive empty frames tolerated before the
	// window buffer resets. Negative disables the reset.
	MaxGap int
	// Assignment selects the bipartite assignment algorithm
	Assignment AssignmentAlgorithm
	// PredictGateBoxes gates against Kalman-predicted track boxes instead of
	// last observed ones
	PredictGateBoxes bool
}

// DefaultTrackerConfig returns the default resolver setup.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		WindowSize:            8,
		UseVisFeats:           true,
		OverlapThresh:         0.01,
		MultThresh:            true,
		DecayTime:             nil,
		IoU:                   nil,
		MaxCenterDist:         nil,
		MaxDetectionsPerFrame: 64,
		MaxGap:                -1,
		Assignment:            AssignmentGreedy,
		PredictGateBoxes:      false,
	}
}

// Validate fails fast on an unusable tracker configuration.
func (cfg TrackerConfig) Validate() error {
	if cfg.WindowSize <= 0 {
		return errors.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}
	if cfg.MaxDetectionsPerFrame <= 0 {
		return errors.Errorf("max detections per frame must be positive, got %d", cfg.MaxDetectionsPerFrame)
	}
	if cfg.DecayTime != nil && (*cfg.DecayTime <= 0 || *cfg.DecayTime > 1) {
		return errors.Errorf("decay_time must be in (0, 1], got %f", *cfg.DecayTime)
	}
	if cfg.IoU != nil && (*cfg.IoU < 0 || *cfg.IoU > 1) {
		return errors.Errorf("iou threshold must be in [0, 1], got %f", *cfg.IoU)
	}
	if cfg.MaxCenterDist != nil && *cfg.MaxCenterDist <= 0 {
		return errors.Errorf("max_center_dist must be positive, got %f", *cfg.MaxCenterDist)
	}
	if cfg.Assignment != AssignmentGreedy && cfg.Assignment != AssignmentHungarian {
		return errors.Errorf("unsupported assignment algorithm %d", cfg.Assignment)
	}
	return nil
}

// Config bundles the configuration of the whole association core.
type Config struct {
	Model   ModelConfig
	Loss    LossConfig
	Tracker TrackerConfig
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() Config {
	return Config{
		Model:   DefaultModelConfig(),
		Loss:    DefaultLossConfig(),
		Tracker: DefaultTrackerConfig(),
	}
}

// Validate fails fast on any unusable sub-configuration.
func (cfg Config) Validate() error {
	if err := cfg.Model.Validate(); err != nil {
		return errors.Wrap(err, "model config")
	}
	if err := cfg.Loss.Validate(); err != nil {
		return errors.Wrap(err, "loss config")
	}
	if err := cfg.Tracker.Validate(); err != nil {
		return errors.Wrap(err, "tracker config")
	}
	if cfg.Model.EmbeddingMeta.Kind == EmbeddingLearned &&
		cfg.Model.EmbeddingMeta.LearnTempEmbNum < cfg.Tracker.WindowSize {
		return errors.Errorf("learn_temp_emb_num %d does not cover window size %d",
			cfg.Model.EmbeddingMeta.LearnTempEmbNum, cfg.Tracker.WindowSize)
	}
	return nil
}

// ConfigFromEnv loads defaults overridden by variables from the given .env
// files (or the process environment when no file is given).
//
// Recognized keys: GTR_D_MODEL, GTR_NHEAD, GTR_NUM_ENCODER_LAYERS,
// GTR_NUM_DECODER_LAYERS, GTR_DIM_FEEDFORWARD, GTR_DROPOUT, GTR_ACTIVATION,
// GTR_CROP_SIZE, GTR_WINDOW_SIZE, GTR_OVERLAP_THRESH, GTR_EPSILON,
// GTR_ASSO_WEIGHT.
func ConfigFromEnv(filenames ...string) (Config, error) {
	cfg := DefaultConfig()
	if len(filenames) > 0 {
		if err := godotenv.Load(filenames...); err != nil {
			return cfg, errors.Wrap(err, "can't load env files")
		}
	}
	if err := envInt("GTR_D_MODEL", &cfg.Model.DModel); err != nil {
		return cfg, err
	}
	if err := envInt("GTR_NHEAD", &cfg.Model.NHead); err != nil {
		return cfg, err
	}
	if err := envInt("GTR_NUM_ENCODER_LAYERS", &cfg.Model.NumEncoderLayers); err != nil {
		return cfg, err
	}
	if err := envInt("GTR_NUM_DECODER_LAYERS", &cfg.Model.NumDecoderLayers); err != nil {
		return cfg, err
	}
	if err := envInt("GTR_DIM_FEEDFORWARD", &cfg.Model.DimFeedforward); err != nil {
		return cfg, err
	}
	if err := envFloat("GTR_DROPOUT", &cfg.Model.Dropout); err != nil {
		return cfg, err
	}
	if raw, ok := os.LookupEnv("GTR_ACTIVATION"); ok {
		act, err := ParseActivation(raw)
		if err != nil {
			return cfg, err
		}
		cfg.Model.Activation = act
	}
	if err := envInt("GTR_CROP_SIZE", &cfg.Model.Encoder.CropSize); err != nil {
		return cfg, err
	}
	if err := envInt("GTR_WINDOW_SIZE", &cfg.Tracker.WindowSize); err != nil {
		return cfg, err
	}
	if err := envFloat("GTR_OVERLAP_THRESH", &cfg.Tracker.OverlapThresh); err != nil {
		return cfg, err
	}
	if err := envFloat("GTR_EPSILON", &cfg.Loss.Epsilon); err != nil {
		return cfg, err
	}
	if err := envFloat("GTR_ASSO_WEIGHT", &cfg.Loss.AssoWeight); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid configuration from environment")
	}
	return cfg, nil
}

func envInt(key string, dst *int) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return errors.Wrapf(err, "can't parse %s='%s'", key, raw)
	}
	*dst = v
	return nil
}

func envFloat(key string, dst *float64) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return errors.Wrapf(err, "can't parse %s='%s'", key, raw)
	}
	*dst = v
	return nil
}
