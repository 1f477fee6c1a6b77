package gtr

import (
	"image"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/mat"
)

// Backbone selects the convolutional feature extractor of the visual encoder.
type Backbone uint16

const (
	// BackboneResNet18Slim is a slimmed residual network with four stages
	BackboneResNet18Slim Backbone = iota
	// BackboneTiny is a two-stage residual network for tests and small crops
	BackboneTiny
)

// ParseBackbone resolves a backbone name from configuration.
func ParseBackbone(name string) (Backbone, error) {
	switch name {
	case "", "resnet18_slim":
		return BackboneResNet18Slim, nil
	case "tiny":
		return BackboneTiny, nil
	default:
		return BackboneResNet18Slim, errors.Errorf("unsupported backbone '%s'", name)
	}
}

// featureMap is a channels-major view of an intermediate activation:
// data holds (channels, height*width).
type featureMap struct {
	data   *mat.Dense
	height int
	width  int
}

// conv2d is a 2D convolution evaluated as im2col followed by a matrix multiply.
type conv2d struct {
	weights *mat.Dense // (outC, inC*kernel*kernel)
	bias    []float64  // (outC)
	inC     int
	outC    int
	kernel  int
	stride  int
	pad     int
}

func newConv2d(inC, outC, kernel, stride, pad int, rng *rand.Rand) *conv2d {
	fanIn := inC * kernel * kernel
	// He initialization for ReLU networks
	std := math.Sqrt(2.0 / float64(fanIn))
	w := mat.NewDense(outC, fanIn, nil)
	for i := 0; i < outC; i++ {
		for j := 0; j < fanIn; j++ {
			w.Set(i, j, rng.NormFloat64()*std)
		}
	}
	return &conv2d{
		weights: w,
		bias:    make([]float64, outC),
		inC:     inC,
		outC:    outC,
		kernel:  kernel,
		stride:  stride,
		pad:     pad,
	}
}

func (c *conv2d) outSize(h, w int) (int, int) {
	oh := (h+2*c.pad-c.kernel)/c.stride + 1
	ow := (w+2*c.pad-c.kernel)/c.stride + 1
	return oh, ow
}

// im2col lays out every receptive field of the input as a column of the
// returned (inC*k*k, oh*ow) matrix.
func (c *conv2d) im2col(in featureMap) *mat.Dense {
	oh, ow := c.outSize(in.height, in.width)
	cols := mat.NewDense(c.inC*c.kernel*c.kernel, oh*ow, nil)
	for ch := 0; ch < c.inC; ch++ {
		chRow := in.data.RawRowView(ch)
		for ky := 0; ky < c.kernel; ky++ {
			for kx := 0; kx < c.kernel; kx++ {
				rowIdx := (ch*c.kernel+ky)*c.kernel + kx
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride + ky - c.pad
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride + kx - c.pad
						v := 0.0
						if iy >= 0 && iy < in.height && ix >= 0 && ix < in.width {
							v = chRow[iy*in.width+ix]
						}
						cols.Set(rowIdx, oy*ow+ox, v)
					}
				}
			}
		}
	}
	return cols
}

func (c *conv2d) forward(in featureMap) featureMap {
	oh, ow := c.outSize(in.height, in.width)
	cols := c.im2col(in)
	out := mat.NewDense(c.outC, oh*ow, nil)
	out.Mul(c.weights, cols)
	for ch := 0; ch < c.outC; ch++ {
		row := out.RawRowView(ch)
		for i := range row {
			row[i] += c.bias[ch]
		}
	}
	return featureMap{data: out, height: oh, width: ow}
}

func reluInPlace(fm featureMap) {
	rows, cols := fm.data.Dims()
	for i := 0; i < rows; i++ {
		row := fm.data.RawRowView(i)
		for j := 0; j < cols; j++ {
			if row[j] < 0 {
				row[j] = 0
			}
		}
	}
}

// residualBlock is two 3x3 convolutions with a shortcut. A 1x1 projection is
// used when the block changes resolution or channel count.
type residualBlock struct {
	conv1    *conv2d
	conv2    *conv2d
	shortcut *conv2d // nil for identity
}

func newResidualBlock(inC, outC, stride int, rng *rand.Rand) *residualBlock {
	block := &residualBlock{
		conv1: newConv2d(inC, outC, 3, stride, 1, rng),
		conv2: newConv2d(outC, outC, 3, 1, 1, rng),
	}
	if inC != outC || stride != 1 {
		block.shortcut = newConv2d(inC, outC, 1, stride, 0, rng)
	}
	return block
}

func (b *residualBlock) forward(in featureMap) featureMap {
	out := b.conv1.forward(in)
	reluInPlace(out)
	out = b.conv2.forward(out)

	identity := in
	if b.shortcut != nil {
		identity = b.shortcut.forward(in)
	}
	out.data.Add(out.data, identity.data)
	reluInPlace(out)
	return out
}

// VisualEncoder turns cropped detection patches into fixed-size feature
// vectors of length d_model. The classification head of the backbone is
// replaced with a linear projection. Deterministic given a fixed seed.
type VisualEncoder struct {
	cfg    EncoderConfig
	dModel int
	stem   *conv2d
	blocks []*residualBlock
	head   *linear
}

// NewVisualEncoder builds the configured backbone with a projection head to dModel.
func NewVisualEncoder(cfg EncoderConfig, dModel int) (*VisualEncoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "can't build visual encoder")
	}
	if dModel <= 0 {
		return nil, errors.Errorf("d_model must be positive, got %d", dModel)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	var stemOut int
	var stageChannels []int
	var blocksPerStage int
	switch cfg.Backbone {
	case BackboneResNet18Slim:
		stemOut = 16
		stageChannels = []int{16, 32, 64, 128}
		blocksPerStage = 2
	case BackboneTiny:
		stemOut = 8
		stageChannels = []int{8, 16}
		blocksPerStage = 1
	default:
		return nil, errors.Errorf("unsupported backbone %d", cfg.Backbone)
	}

	enc := &VisualEncoder{
		cfg:    cfg,
		dModel: dModel,
		stem:   newConv2d(cfg.InChans, stemOut, 3, 2, 1, rng),
	}
	inC := stemOut
	for si, outC := range stageChannels {
		for bi := 0; bi < blocksPerStage; bi++ {
			stride := 1
			if si > 0 && bi == 0 {
				stride = 2
			}
			enc.blocks = append(enc.blocks, newResidualBlock(inC, outC, stride, rng))
			inC = outC
		}
	}
	enc.head = newLinear(inC, dModel, rng)
	return enc, nil
}

// DModel returns the output feature dimension.
func (enc *VisualEncoder) DModel() int {
	return enc.dModel
}

// preprocess resizes the crop to the configured square size, adds the
// configured zero border and converts it to a channels-major float map with
// values scaled to [0, 1].
func (enc *VisualEncoder) preprocess(crop image.Image) featureMap {
	size := enc.cfg.CropSize
	resized := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(resized, resized.Bounds(), crop, crop.Bounds(), draw.Over, nil)

	padded := size + 2*enc.cfg.Padding
	data := mat.NewDense(enc.cfg.InChans, padded*padded, nil)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			px := (y+enc.cfg.Padding)*padded + (x + enc.cfg.Padding)
			channels := []float64{
				float64(r) / 65535.0,
				float64(g) / 65535.0,
				float64(b) / 65535.0,
			}
			for ch := 0; ch < enc.cfg.InChans; ch++ {
				data.Set(ch, px, channels[ch%len(channels)])
			}
		}
	}
	return featureMap{data: data, height: padded, width: padded}
}

// Encode turns a single cropped patch into a feature vector of length d_model.
func (enc *VisualEncoder) Encode(crop image.Image) (*mat.VecDense, error) {
	if crop == nil {
		return nil, errors.New("can't encode nil crop")
	}
	fm := enc.preprocess(crop)
	fm = enc.stem.forward(fm)
	reluInPlace(fm)
	for _, block := range enc.blocks {
		fm = block.forward(fm)
	}

	// Global average pooling over spatial positions
	channels, spatial := fm.data.Dims()
	pooled := mat.NewDense(1, channels, nil)
	for ch := 0; ch < channels; ch++ {
		row := fm.data.RawRowView(ch)
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		pooled.Set(0, ch, sum/float64(spatial))
	}

	projected := enc.head.forward(pooled)
	_, outDim := projected.Dims()
	if outDim != enc.dModel {
		return nil, errors.Errorf("encoder output dimension %d does not match d_model %d", outDim, enc.dModel)
	}
	out := mat.NewVecDense(enc.dModel, nil)
	for j := 0; j < enc.dModel; j++ {
		out.SetVec(j, projected.At(0, j))
	}
	return out, nil
}

// EncodeAll encodes a batch of crops in order.
func (enc *VisualEncoder) EncodeAll(crops []image.Image) ([]*mat.VecDense, error) {
	features := make([]*mat.VecDense, len(crops))
	for i, crop := range crops {
		feat, err := enc.Encode(crop)
		if err != nil {
			return nil, errors.Wrapf(err, "can't encode crop %d", i)
		}
		features[i] = feat
	}
	return features, nil
}
