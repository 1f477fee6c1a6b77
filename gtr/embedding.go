package gtr

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Embedding augments a visual feature vector with positional and temporal
// information. Strategies are resolved once at construction from
// EmbeddingMeta; every strategy returns a vector of length d_model.
type Embedding interface {
	// Embed returns features + positional embedding of bbox + temporal
	// embedding of frameOffset, added elementwise. bbox is expected in
	// normalized [0, 1] coordinates; out of range values are clamped.
	Embed(features *mat.VecDense, bbox Rectangle, frameOffset int) (*mat.VecDense, error)
	// PosEmbedding returns only the positional part, for diagnostics.
	PosEmbedding(bbox Rectangle) *mat.VecDense
	// TempEmbedding returns only the temporal part, for diagnostics.
	TempEmbedding(frameOffset int) *mat.VecDense
	// Kind reports the resolved strategy.
	Kind() EmbeddingKind
}

// NewEmbedding resolves the embedding strategy from its configuration.
func NewEmbedding(meta EmbeddingMeta, dModel int, rng *rand.Rand) (Embedding, error) {
	switch meta.Kind {
	case EmbeddingNone:
		return &noEmbedding{dModel: dModel}, nil
	case EmbeddingLearned:
		return newLearnedEmbedding(meta, dModel, rng)
	default:
		return nil, errors.Errorf("unsupported embedding kind %d", meta.Kind)
	}
}

// noEmbedding leaves features untouched.
type noEmbedding struct {
	dModel int
}

func (e *noEmbedding) Embed(features *mat.VecDense, _ Rectangle, _ int) (*mat.VecDense, error) {
	if features.Len() != e.dModel {
		return nil, errors.Errorf("feature length %d does not match d_model %d", features.Len(), e.dModel)
	}
	out := mat.NewVecDense(e.dModel, nil)
	out.CopyVec(features)
	return out, nil
}

func (e *noEmbedding) PosEmbedding(_ Rectangle) *mat.VecDense {
	return mat.NewVecDense(e.dModel, nil)
}

func (e *noEmbedding) TempEmbedding(_ int) *mat.VecDense {
	return mat.NewVecDense(e.dModel, nil)
}

func (e *noEmbedding) Kind() EmbeddingKind {
	return EmbeddingNone
}

// learnedEmbedding buckets box coordinates and frame offsets into learned
// vectors. Positional lookups interpolate linearly between adjacent buckets;
// temporal lookups clamp to the boundary bucket.
type learnedEmbedding struct {
	meta   EmbeddingMeta
	dModel int
	// posTable has LearnPosEmbNum rows of dModel/coords values each, one
	// sub-range per box coordinate
	posTable *mat.Dense
	// tempTable has LearnTempEmbNum rows of dModel values
	tempTable *mat.Dense
	coords    int
}

func newLearnedEmbedding(meta EmbeddingMeta, dModel int, rng *rand.Rand) (*learnedEmbedding, error) {
	coords := 2
	if meta.OverBoxes {
		coords = 4
	}
	if dModel%coords != 0 {
		return nil, errors.Errorf("d_model %d must be divisible by %d for learned positional embedding", dModel, coords)
	}
	emb := &learnedEmbedding{
		meta:      meta,
		dModel:    dModel,
		posTable:  randomTable(meta.LearnPosEmbNum, dModel/coords, rng),
		tempTable: randomTable(meta.LearnTempEmbNum, dModel, rng),
		coords:    coords,
	}
	return emb, nil
}

func randomTable(rows, cols int, rng *rand.Rand) *mat.Dense {
	t := mat.NewDense(rows, cols, nil)
	std := 1.0 / math.Sqrt(float64(cols))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t.Set(i, j, rng.NormFloat64()*std)
		}
	}
	return t
}

func (e *learnedEmbedding) Embed(features *mat.VecDense, bbox Rectangle, frameOffset int) (*mat.VecDense, error) {
	if features.Len() != e.dModel {
		return nil, errors.Errorf("feature length %d does not match d_model %d", features.Len(), e.dModel)
	}
	out := mat.NewVecDense(e.dModel, nil)
	out.CopyVec(features)
	out.AddVec(out, e.PosEmbedding(bbox))
	out.AddVec(out, e.TempEmbedding(frameOffset))
	return out, nil
}

// PosEmbedding looks up an interpolated bucket vector per box coordinate and
// concatenates the sub-vectors into a d_model vector.
func (e *learnedEmbedding) PosEmbedding(bbox Rectangle) *mat.VecDense {
	var values []float64
	if e.meta.OverBoxes {
		values = []float64{bbox.XMin, bbox.YMin, bbox.XMax, bbox.YMax}
	} else {
		c := bbox.Center()
		values = []float64{c.X, c.Y}
	}
	sub := e.dModel / e.coords
	out := mat.NewVecDense(e.dModel, nil)
	for ci, v := range values {
		pos := clampFloat64(v, 0, 1) * float64(e.meta.LearnPosEmbNum-1)
		lo := int(math.Floor(pos))
		hi := minInt(lo+1, e.meta.LearnPosEmbNum-1)
		w := pos - float64(lo)
		for j := 0; j < sub; j++ {
			blended := (1-w)*e.posTable.At(lo, j) + w*e.posTable.At(hi, j)
			out.SetVec(ci*sub+j, blended)
		}
	}
	return out
}

// TempEmbedding looks up the bucket of the frame offset, clamping offsets
// beyond the table to the boundary bucket.
func (e *learnedEmbedding) TempEmbedding(frameOffset int) *mat.VecDense {
	bucket := frameOffset
	if bucket < 0 {
		bucket = 0
	}
	if bucket >= e.meta.LearnTempEmbNum {
		bucket = e.meta.LearnTempEmbNum - 1
	}
	out := mat.NewVecDense(e.dModel, nil)
	for j := 0; j < e.dModel; j++ {
		out.SetVec(j, e.tempTable.At(bucket, j))
	}
	return out
}

func (e *learnedEmbedding) Kind() EmbeddingKind {
	return EmbeddingLearned
}
