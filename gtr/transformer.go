package gtr

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// encoderLayer is one transformer encoder block: self attention followed by
// a position-wise feed-forward network, both with residual connections.
type encoderLayer struct {
	selfAttn *multiHeadAttention
	ff1      *linear
	ff2      *linear
	norm1    *layerNorm
	norm2    *layerNorm
	dropout  *dropoutLayer
	act      Activation
}

func newEncoderLayer(cfg ModelConfig, rng *rand.Rand, dropRng *rand.Rand) *encoderLayer {
	return &encoderLayer{
		selfAttn: newMultiHeadAttention(cfg.DModel, cfg.NHead, rng),
		ff1:      newLinear(cfg.DModel, cfg.DimFeedforward, rng),
		ff2:      newLinear(cfg.DimFeedforward, cfg.DModel, rng),
		norm1:    newLayerNorm(cfg.DModel),
		norm2:    newLayerNorm(cfg.DModel),
		dropout:  newDropout(cfg.Dropout, dropRng),
		act:      cfg.Activation,
	}
}

func (l *encoderLayer) forward(x *mat.Dense, training bool) *mat.Dense {
	attn := l.dropout.forward(l.selfAttn.forward(x, x, x), training)
	addInPlace(attn, x)
	x = l.norm1.forward(attn)

	ff := l.ff2.forward(applyActivation(l.ff1.forward(x), l.act))
	ff = l.dropout.forward(ff, training)
	addInPlace(ff, x)
	return l.norm2.forward(ff)
}

// decoderLayer is one transformer decoder block: optional self attention,
// cross attention over the encoder memory, then a feed-forward network.
type decoderLayer struct {
	selfAttn  *multiHeadAttention // nil unless decoder self attention is enabled
	crossAttn *multiHeadAttention
	ff1       *linear
	ff2       *linear
	norm1     *layerNorm
	norm2     *layerNorm
	norm3     *layerNorm
	dropout   *dropoutLayer
	act       Activation
}

func newDecoderLayer(cfg ModelConfig, rng *rand.Rand, dropRng *rand.Rand) *decoderLayer {
	l := &decoderLayer{
		crossAttn: newMultiHeadAttention(cfg.DModel, cfg.NHead, rng),
		ff1:       newLinear(cfg.DModel, cfg.DimFeedforward, rng),
		ff2:       newLinear(cfg.DimFeedforward, cfg.DModel, rng),
		norm1:     newLayerNorm(cfg.DModel),
		norm2:     newLayerNorm(cfg.DModel),
		norm3:     newLayerNorm(cfg.DModel),
		dropout:   newDropout(cfg.Dropout, dropRng),
		act:       cfg.Activation,
	}
	if cfg.DecoderSelfAttn {
		l.selfAttn = newMultiHeadAttention(cfg.DModel, cfg.NHead, rng)
	}
	return l
}

func (l *decoderLayer) forward(tgt, memory *mat.Dense, training bool) *mat.Dense {
	if l.selfAttn != nil {
		attn := l.dropout.forward(l.selfAttn.forward(tgt, tgt, tgt), training)
		addInPlace(attn, tgt)
		tgt = l.norm1.forward(attn)
	}
	cross := l.dropout.forward(l.crossAttn.forward(tgt, memory, memory), training)
	addInPlace(cross, tgt)
	tgt = l.norm2.forward(cross)

	ff := l.ff2.forward(applyActivation(l.ff1.forward(tgt), l.act))
	ff = l.dropout.forward(ff, training)
	addInPlace(ff, tgt)
	return l.norm3.forward(ff)
}

// assoHead maps decoder outputs (queries) and encoder outputs (keys) into a
// common space and scores every pair with a scaled dot product.
type assoHead struct {
	queryLayers []*linear
	keyLayers   []*linear
	norm        *layerNorm // nil unless normalization is enabled
	dropout     *dropoutLayer
	featureDim  int
	act         Activation
}

func newAssoHead(cfg ModelConfig, rng *rand.Rand, dropRng *rand.Rand) *assoHead {
	head := &assoHead{
		dropout:    newDropout(cfg.DropoutAttnHead, dropRng),
		featureDim: cfg.FeatureDimAttnHead,
		act:        cfg.Activation,
	}
	build := func() []*linear {
		layers := make([]*linear, 0, cfg.NumLayersAttnHead)
		in := cfg.DModel
		for i := 0; i < cfg.NumLayersAttnHead; i++ {
			layers = append(layers, newLinear(in, cfg.FeatureDimAttnHead, rng))
			in = cfg.FeatureDimAttnHead
		}
		return layers
	}
	head.queryLayers = build()
	head.keyLayers = build()
	if cfg.Norm {
		head.norm = newLayerNorm(cfg.FeatureDimAttnHead)
	}
	return head
}

func (h *assoHead) project(x *mat.Dense, layers []*linear, training bool) *mat.Dense {
	out := x
	for i, layer := range layers {
		out = layer.forward(out)
		if i < len(layers)-1 {
			out = applyActivation(out, h.act)
			out = h.dropout.forward(out, training)
		}
	}
	if h.norm != nil {
		out = h.norm.forward(out)
	}
	return out
}

// forward returns the (nQuery, nKey) raw affinity logits.
func (h *assoHead) forward(decOut, memory *mat.Dense, training bool) *mat.Dense {
	q := h.project(decOut, h.queryLayers, training)
	k := h.project(memory, h.keyLayers, training)
	nq, _ := q.Dims()
	nk, _ := k.Dims()
	scores := mat.NewDense(nq, nk, nil)
	scores.Mul(q, k.T())
	scores.Scale(1.0/math.Sqrt(float64(h.featureDim)), scores)
	return scores
}

// Transformer is the attention-based cross-frame association model. Given a
// window of embedded instances it produces the pairwise affinity matrix
// between query and key instances. With dropout disabled the output is a
// pure function of the window contents and their order.
type Transformer struct {
	cfg           ModelConfig
	embedding     Embedding
	encoderLayers []*encoderLayer
	decoderLayers []*decoderLayer
	encNorm       *layerNorm // nil unless output normalization is enabled
	decNorm       *layerNorm
	head          *assoHead
	training      bool
}

// NewTransformer builds the association transformer from its configuration.
func NewTransformer(cfg ModelConfig) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "can't build transformer")
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	dropRng := rand.New(rand.NewSource(cfg.Seed + 1))

	embedding, err := NewEmbedding(cfg.EmbeddingMeta, cfg.DModel, rng)
	if err != nil {
		return nil, errors.Wrap(err, "can't build embedding")
	}

	t := &Transformer{
		cfg:       cfg,
		embedding: embedding,
		head:      newAssoHead(cfg, rng, dropRng),
	}
	if cfg.Norm {
		t.encNorm = newLayerNorm(cfg.DModel)
		t.decNorm = newLayerNorm(cfg.DModel)
	}
	for i := 0; i < cfg.NumEncoderLayers; i++ {
		t.encoderLayers = append(t.encoderLayers, newEncoderLayer(cfg, rng, dropRng))
	}
	for i := 0; i < cfg.NumDecoderLayers; i++ {
		t.decoderLayers = append(t.decoderLayers, newDecoderLayer(cfg, rng, dropRng))
	}
	return t, nil
}

// SetTraining toggles training mode. Dropout is applied in training mode only.
func (t *Transformer) SetTraining(training bool) {
	t.training = training
}

// Embedding returns the resolved embedding strategy.
func (t *Transformer) Embedding() Embedding {
	return t.embedding
}

func (t *Transformer) normDecOut(tgt *mat.Dense) *mat.Dense {
	if t.decNorm == nil {
		return tgt
	}
	return t.decNorm.forward(tgt)
}

// embedWindow computes embeddings for every instance in the window and
// stacks them into an (n, d_model) matrix. Instance.Embedding is populated
// as a side product of the forward pass.
func (t *Transformer) embedWindow(w *Window) (*mat.Dense, error) {
	instances := w.AllInstances()
	offsets := w.FrameOffsets()
	boxes := w.NormBoxes()

	x := mat.NewDense(len(instances), t.cfg.DModel, nil)
	for i, ins := range instances {
		if !ins.HasFeatures() {
			return nil, errors.Errorf("instance %d on frame %d has no features", i, ins.FrameIndex)
		}
		if ins.Features.Len() != t.cfg.DModel {
			return nil, errors.Errorf("instance feature length %d does not match d_model %d",
				ins.Features.Len(), t.cfg.DModel)
		}
		emb, err := t.embedding.Embed(ins.Features, boxes[i], offsets[i])
		if err != nil {
			return nil, errors.Wrapf(err, "can't embed instance %d", i)
		}
		ins.Embedding = emb
		x.SetRow(i, emb.RawVector().Data)
	}
	return x, nil
}

// Associate runs the forward pass with every instance in the window acting
// as both query and key.
func (t *Transformer) Associate(w *Window) (*AssociationMatrix, error) {
	return t.associate(w, -1)
}

// AssociateQuery runs the forward pass with only the instances of the frame
// at window position queryFrame acting as queries; keys are all instances in
// the window. Used during sliding inference.
func (t *Transformer) AssociateQuery(w *Window, queryFrame int) (*AssociationMatrix, error) {
	return t.associate(w, queryFrame)
}

func (t *Transformer) associate(w *Window, queryFrame int) (*AssociationMatrix, error) {
	if w == nil || len(w.Frames) == 0 {
		return nil, errors.New("can't associate an empty window")
	}
	if err := w.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid window")
	}
	if w.TotalInstances() == 0 {
		return nil, errors.New("window contains no instances")
	}

	x, err := t.embedWindow(w)
	if err != nil {
		return nil, err
	}

	memory := x
	for _, layer := range t.encoderLayers {
		memory = layer.forward(memory, t.training)
	}
	if t.encNorm != nil {
		memory = t.encNorm.forward(memory)
	}

	instances := w.AllInstances()
	queries := instances
	tgt := memory
	queryStart, queryEnd := 0, len(instances)
	if queryFrame >= 0 {
		queryStart, queryEnd, err = w.queryRange(queryFrame)
		if err != nil {
			return nil, err
		}
		if queryEnd == queryStart {
			return nil, errors.Errorf("query frame at position %d has no instances", queryFrame)
		}
		queries = instances[queryStart:queryEnd]
		tgt = mat.DenseCopyOf(memory.Slice(queryStart, queryEnd, 0, t.cfg.DModel))
	}

	var intermediate []*mat.Dense
	for _, layer := range t.decoderLayers {
		tgt = layer.forward(tgt, memory, t.training)
		if t.cfg.ReturnIntermediateDec {
			intermediate = append(intermediate, t.head.forward(t.normDecOut(tgt), memory, t.training))
		}
	}
	scores := t.head.forward(t.normDecOut(tgt), memory, t.training)

	am := &AssociationMatrix{
		Scores:  scores,
		Queries: queries,
		Keys:    instances,
	}
	if t.cfg.ReturnIntermediateDec {
		am.Intermediate = intermediate
	}
	if t.cfg.ReturnEmbedding {
		boxes := w.NormBoxes()
		offsets := w.FrameOffsets()
		pos := mat.NewDense(len(instances), t.cfg.DModel, nil)
		temp := mat.NewDense(len(instances), t.cfg.DModel, nil)
		for i := range instances {
			pos.SetRow(i, t.embedding.PosEmbedding(boxes[i]).RawVector().Data)
			temp.SetRow(i, t.embedding.TempEmbedding(offsets[i]).RawVector().Data)
		}
		am.PosEmb = pos
		am.TempEmb = temp
	}
	return am, nil
}
