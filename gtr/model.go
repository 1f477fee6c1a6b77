package gtr

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Model is the full association model: the visual encoder feeding the
// association transformer. It lazily encodes instances that still carry
// their crop but have no features yet.
type Model struct {
	encoder     *VisualEncoder
	transformer *Transformer
	dModel      int
}

// NewModel builds the visual encoder and transformer from one configuration.
func NewModel(cfg ModelConfig) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "can't build model")
	}
	encoder, err := NewVisualEncoder(cfg.Encoder, cfg.DModel)
	if err != nil {
		return nil, err
	}
	transformer, err := NewTransformer(cfg)
	if err != nil {
		return nil, err
	}
	return &Model{
		encoder:     encoder,
		transformer: transformer,
		dModel:      cfg.DModel,
	}, nil
}

// DModel returns the model feature dimension.
func (m *Model) DModel() int {
	return m.dModel
}

// Encoder returns the visual encoder.
func (m *Model) Encoder() *VisualEncoder {
	return m.encoder
}

// Transformer returns the association transformer.
func (m *Model) Transformer() *Transformer {
	return m.transformer
}

// SetTraining toggles training mode on the transformer.
func (m *Model) SetTraining(training bool) {
	m.transformer.SetTraining(training)
}

// EnsureFeatures encodes every window instance that has a crop but no
// features yet. With useVisFeats disabled all features are replaced by zero
// vectors so the association relies on positional/temporal embeddings only.
func (m *Model) EnsureFeatures(w *Window, useVisFeats bool) error {
	for _, frame := range w.Frames {
		for i, ins := range frame.Instances {
			if !useVisFeats {
				if !ins.HasFeatures() {
					ins.Features = mat.NewVecDense(m.dModel, nil)
				}
				continue
			}
			if ins.HasFeatures() {
				continue
			}
			if !ins.HasCrop() {
				return errors.Errorf("instance %d on frame %d has neither features nor crop", i, frame.Index)
			}
			feat, err := m.encoder.Encode(ins.Crop)
			if err != nil {
				return errors.Wrapf(err, "can't encode instance %d on frame %d", i, frame.Index)
			}
			ins.Features = feat
		}
	}
	return nil
}

// Associate encodes pending crops and runs the transformer with every
// instance as query.
func (m *Model) Associate(w *Window) (*AssociationMatrix, error) {
	if err := m.EnsureFeatures(w, true); err != nil {
		return nil, err
	}
	return m.transformer.Associate(w)
}

// AssociateQuery encodes pending crops and runs the transformer with the
// frame at window position queryFrame as query.
func (m *Model) AssociateQuery(w *Window, queryFrame int) (*AssociationMatrix, error) {
	if err := m.EnsureFeatures(w, true); err != nil {
		return nil, err
	}
	return m.transformer.AssociateQuery(w, queryFrame)
}
