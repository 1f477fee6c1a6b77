package gtr

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// linear is a fully connected layer y = x*W^T + b operating on row vectors.
type linear struct {
	w *mat.Dense    // (out, in)
	b *mat.VecDense // (out)
}

func newLinear(in, out int, rng *rand.Rand) *linear {
	// Xavier-uniform initialization
	bound := math.Sqrt(6.0 / float64(in+out))
	w := mat.NewDense(out, in, nil)
	for i := 0; i < out; i++ {
		for j := 0; j < in; j++ {
			w.Set(i, j, (rng.Float64()*2-1)*bound)
		}
	}
	return &linear{
		w: w,
		b: mat.NewVecDense(out, nil),
	}
}

// forward applies the layer to x of shape (n, in) returning (n, out).
func (l *linear) forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	out, _ := l.w.Dims()
	y := mat.NewDense(n, out, nil)
	y.Mul(x, l.w.T())
	for i := 0; i < n; i++ {
		for j := 0; j < out; j++ {
			y.Set(i, j, y.At(i, j)+l.b.AtVec(j))
		}
	}
	return y
}

// layerNorm normalizes each row to zero mean / unit variance with learned scale and shift.
type layerNorm struct {
	gamma *mat.VecDense
	beta  *mat.VecDense
	eps   float64
}

func newLayerNorm(dim int) *layerNorm {
	gamma := mat.NewVecDense(dim, nil)
	for i := 0; i < dim; i++ {
		gamma.SetVec(i, 1.0)
	}
	return &layerNorm{
		gamma: gamma,
		beta:  mat.NewVecDense(dim, nil),
		eps:   1e-5,
	}
}

func (ln *layerNorm) forward(x *mat.Dense) *mat.Dense {
	n, d := x.Dims()
	y := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(d)
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(d)
		invStd := 1.0 / math.Sqrt(variance+ln.eps)
		for j, v := range row {
			y.Set(i, j, (v-mean)*invStd*ln.gamma.AtVec(j)+ln.beta.AtVec(j))
		}
	}
	return y
}

func applyActivation(x *mat.Dense, act Activation) *mat.Dense {
	n, d := x.Dims()
	y := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			v := x.At(i, j)
			switch act {
			case ActivationGELU:
				// tanh approximation of GELU
				y.Set(i, j, 0.5*v*(1+math.Tanh(math.Sqrt(2.0/math.Pi)*(v+0.044715*v*v*v))))
			default:
				y.Set(i, j, math.Max(0, v))
			}
		}
	}
	return y
}

// softmaxRows applies a numerically stable softmax over every row in place.
func softmaxRows(x *mat.Dense) {
	n, d := x.Dims()
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		maxV := math.Inf(-1)
		for _, v := range row {
			if v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for j := 0; j < d; j++ {
			e := math.Exp(row[j] - maxV)
			row[j] = e
			sum += e
		}
		if sum == 0 {
			continue
		}
		for j := 0; j < d; j++ {
			row[j] /= sum
		}
	}
}

// dropoutLayer zeroes random entries during training only, with inverted scaling.
type dropoutLayer struct {
	rate float64
	rng  *rand.Rand
}

func newDropout(rate float64, rng *rand.Rand) *dropoutLayer {
	return &dropoutLayer{rate: rate, rng: rng}
}

func (d *dropoutLayer) forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.rate <= 0 {
		return x
	}
	n, c := x.Dims()
	y := mat.NewDense(n, c, nil)
	keep := 1.0 - d.rate
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() < d.rate {
				y.Set(i, j, 0)
			} else {
				y.Set(i, j, x.At(i, j)/keep)
			}
		}
	}
	return y
}

// multiHeadAttention is scaled dot-product attention with nhead parallel heads.
type multiHeadAttention struct {
	nhead int
	dHead int
	query *linear
	key   *linear
	value *linear
	out   *linear
}

func newMultiHeadAttention(dModel, nhead int, rng *rand.Rand) *multiHeadAttention {
	return &multiHeadAttention{
		nhead: nhead,
		dHead: dModel / nhead,
		query: newLinear(dModel, dModel, rng),
		key:   newLinear(dModel, dModel, rng),
		value: newLinear(dModel, dModel, rng),
		out:   newLinear(dModel, dModel, rng),
	}
}

// forward computes attention of q (nq, d) over k/v (nk, d) returning (nq, d).
func (mha *multiHeadAttention) forward(q, k, v *mat.Dense) *mat.Dense {
	nq, dModel := q.Dims()
	nk, _ := k.Dims()

	qp := mha.query.forward(q)
	kp := mha.key.forward(k)
	vp := mha.value.forward(v)

	concat := mat.NewDense(nq, dModel, nil)
	scale := 1.0 / math.Sqrt(float64(mha.dHead))
	for h := 0; h < mha.nhead; h++ {
		lo := h * mha.dHead
		qh := qp.Slice(0, nq, lo, lo+mha.dHead)
		kh := kp.Slice(0, nk, lo, lo+mha.dHead)
		vh := vp.Slice(0, nk, lo, lo+mha.dHead)

		scores := mat.NewDense(nq, nk, nil)
		scores.Mul(qh, kh.T())
		scores.Scale(scale, scores)
		softmaxRows(scores)

		headOut := mat.NewDense(nq, mha.dHead, nil)
		headOut.Mul(scores, vh)
		concat.Slice(0, nq, lo, lo+mha.dHead).(*mat.Dense).Copy(headOut)
	}
	return mha.out.forward(concat)
}

// addInPlace adds b into a elementwise. Panics on shape mismatch like gonum does.
func addInPlace(a, b *mat.Dense) {
	a.Add(a, b)
}
