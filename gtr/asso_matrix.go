package gtr

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// AssociationMatrix holds the pairwise affinity scores between the query
// instances and the key instances of one window. Entry (i, j) is the learned
// likelihood that query i and key j are the same physical object. The matrix
// is not symmetric: queries and keys are distinct role projections even when
// they refer to the same instance.
type AssociationMatrix struct {
	// Scores are raw logits of shape (len(Queries), len(Keys))
	Scores *mat.Dense
	// Queries are the instances scored along the rows
	Queries []*Instance
	// Keys are the instances scored along the columns
	Keys []*Instance
	// Intermediate holds per-decoder-layer score matrices when the model was
	// configured with ReturnIntermediateDec. Diagnostics only.
	Intermediate []*mat.Dense
	// PosEmb and TempEmb hold the key embeddings when the model was
	// configured with ReturnEmbedding. Diagnostics only.
	PosEmb  *mat.Dense
	TempEmb *mat.Dense
}

// Dims returns the (queries, keys) dimensions of the matrix.
func (am *AssociationMatrix) Dims() (int, int) {
	return am.Scores.Dims()
}

// Softmax converts the raw logits into per-query probability distributions
// over the keys. An implicit zero-logit "no match" column takes part in the
// normalization and is dropped afterwards, so each row sums to at most one
// and the missing mass is the no-match probability.
func (am *AssociationMatrix) Softmax() *mat.Dense {
	probs, _ := softmaxWithNoMatch(am.Scores)
	return probs
}

// NoMatchProbs returns the per-query probability mass of the implicit
// "no match" bucket.
func (am *AssociationMatrix) NoMatchProbs() []float64 {
	_, noMatch := softmaxWithNoMatch(am.Scores)
	return noMatch
}

// softmaxWithNoMatch softmaxes every row of the logits with an appended
// zero logit, returning the key probabilities and the no-match probability
// per row.
func softmaxWithNoMatch(logits *mat.Dense) (*mat.Dense, []float64) {
	n, k := logits.Dims()
	probs := mat.NewDense(n, k, nil)
	noMatch := make([]float64, n)
	for i := 0; i < n; i++ {
		maxV := 0.0 // the implicit no-match logit
		for j := 0; j < k; j++ {
			if v := logits.At(i, j); v > maxV {
				maxV = v
			}
		}
		row := probs.RawRowView(i)
		for j := 0; j < k; j++ {
			row[j] = math.Exp(logits.At(i, j) - maxV)
		}
		sum := math.Exp(-maxV) + floats.Sum(row) // no-match term plus keys
		floats.Scale(1.0/sum, row)
		noMatch[i] = math.Exp(-maxV) / sum
	}
	return probs, noMatch
}
