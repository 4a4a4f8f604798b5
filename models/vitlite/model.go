// Package vitlite - A small token-based classifier on the gorgonia backend.
//
// The network patch-embeds the input image, runs a stack of token-wise
// encoder blocks, and classifies from a learned prefix (class) token. It is
// the only registry family that exposes per-layer token representations for
// metric extraction.
package vitlite

import (
	"strconv"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/percept-ai/go-psychbench/models/model"
)

// Config describes the network architecture and input geometry.
type Config struct {
	// Path to the flat float32 weights file in the local cache.
	Path string
	// Patch is the square patch size; Width and Height must divide by it.
	Patch int
	// Dim is the token embedding width.
	Dim int
	// Blocks is the number of encoder blocks.
	Blocks int
	// Classes is the logit width.
	Classes int
	Width   int
	Height  int
}

func (c *Config) setDefaults() {
	if c.Patch == 0 {
		c.Patch = 16
	}
	if c.Dim == 0 {
		c.Dim = 192
	}
	if c.Blocks == 0 {
		c.Blocks = 6
	}
	if c.Classes == 0 {
		c.Classes = 1000
	}
	if c.Width == 0 {
		c.Width = 224
	}
	if c.Height == 0 {
		c.Height = 224
	}
}

// patchDim is the flattened RGB patch width.
func (c *Config) patchDim() int {
	return 3 * c.Patch * c.Patch
}

func (c *Config) gridH() int { return c.Height / c.Patch }
func (c *Config) gridW() int { return c.Width / c.Patch }

// Model is a vitlite classifier with loaded weights.
type Model struct {
	name   string
	config Config

	embedW *tensor.Dense // (patchDim, Dim)
	embedB *tensor.Dense // (1, Dim)
	cls    []float32     // (Dim)
	blockW []*tensor.Dense
	blockB []*tensor.Dense
	headW  *tensor.Dense // (Dim, Classes)
	headB  *tensor.Dense // (1, Classes)
}

// New loads a vitlite classifier from its weights file.
func New(name string, config Config) (*Model, error) {
	config.setDefaults()
	if config.Width%config.Patch != 0 || config.Height%config.Patch != 0 {
		return nil, errors.Errorf("vitlite: input %dx%d not divisible by patch %d",
			config.Width, config.Height, config.Patch)
	}

	m := &Model{name: name, config: config}
	if err := m.loadWeights(config.Path); err != nil {
		return nil, err
	}
	return m, nil
}

// Name implements model.Model.
func (m *Model) Name() string {
	return m.name
}

// forward runs the token graph for one batch and returns the logits plus the
// raw token matrix of every encoder block. Each token matrix has shape
// (N + N*P, Dim): the first N rows are the prefix tokens, the remaining
// rows are spatial tokens in sample-major patch order.
//
// The graph holds only forward nodes; the tape machine never records
// gradients, so inference carries no autodiff bookkeeping.
func (m *Model) forward(images *tensor.Dense) (logits *tensor.Dense, blocks []*tensor.Dense, err error) {
	n, patches, err := m.tokenize(images)
	if err != nil {
		return nil, nil, err
	}
	p := m.config.gridH() * m.config.gridW()
	d := m.config.Dim

	g := G.NewGraph()

	x := G.NewMatrix(g, tensor.Float32,
		G.WithShape(n*p, m.config.patchDim()), G.WithName("patches"), G.WithValue(patches))
	embedW := G.NewMatrix(g, tensor.Float32,
		G.WithShape(m.config.patchDim(), d), G.WithName("embed_w"), G.WithValue(m.embedW))
	embedB := G.NewMatrix(g, tensor.Float32,
		G.WithShape(1, d), G.WithName("embed_b"), G.WithValue(m.embedB))

	embedded, err := G.Mul(x, embedW)
	if err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: embedding")
	}
	embedded, err = G.BroadcastAdd(embedded, embedB, nil, []byte{0})
	if err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: embedding bias")
	}
	embedded, err = G.Rectify(embedded)
	if err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: embedding activation")
	}

	// One prefix token per sample, prepended as the first n rows.
	clsBacking := make([]float32, n*d)
	for i := 0; i < n; i++ {
		copy(clsBacking[i*d:(i+1)*d], m.cls)
	}
	clsValue := tensor.New(tensor.WithShape(n, d), tensor.Of(tensor.Float32), tensor.WithBacking(clsBacking))
	clsNode := G.NewMatrix(g, tensor.Float32,
		G.WithShape(n, d), G.WithName("prefix"), G.WithValue(clsValue))

	tokens, err := G.Concat(0, clsNode, embedded)
	if err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: token concat")
	}

	blockNodes := make([]*G.Node, m.config.Blocks)
	for l := 0; l < m.config.Blocks; l++ {
		w := G.NewMatrix(g, tensor.Float32,
			G.WithShape(d, d), G.WithName(blockName("w", l)), G.WithValue(m.blockW[l]))
		b := G.NewMatrix(g, tensor.Float32,
			G.WithShape(1, d), G.WithName(blockName("b", l)), G.WithValue(m.blockB[l]))

		tokens, err = G.Mul(tokens, w)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "vitlite: block %d", l)
		}
		tokens, err = G.BroadcastAdd(tokens, b, nil, []byte{0})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "vitlite: block %d bias", l)
		}
		tokens, err = G.Rectify(tokens)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "vitlite: block %d activation", l)
		}
		blockNodes[l] = tokens
	}

	prefixRows, err := G.Slice(tokens, G.S(0, n))
	if err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: head slice")
	}
	headW := G.NewMatrix(g, tensor.Float32,
		G.WithShape(d, m.config.Classes), G.WithName("head_w"), G.WithValue(m.headW))
	headB := G.NewMatrix(g, tensor.Float32,
		G.WithShape(1, m.config.Classes), G.WithName("head_b"), G.WithValue(m.headB))
	out, err := G.Mul(prefixRows, headW)
	if err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: head")
	}
	out, err = G.BroadcastAdd(out, headB, nil, []byte{0})
	if err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: head bias")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, nil, errors.Wrap(err, "vitlite: running tape machine")
	}

	logits = denseCopy(out.Value().Data().([]float32), n, m.config.Classes)
	blocks = make([]*tensor.Dense, len(blockNodes))
	for l, node := range blockNodes {
		blocks[l] = denseCopy(node.Value().Data().([]float32), n+n*p, d)
	}
	return logits, blocks, nil
}

// ForwardBatch implements model.Model. images must be (N,C,H,W) float32.
func (m *Model) ForwardBatch(images *tensor.Dense) (*tensor.Dense, error) {
	logits, _, err := m.forward(images)
	return logits, err
}

// ForwardIntermediates implements model.IntermediateModel.
func (m *Model) ForwardIntermediates(images *tensor.Dense) (*tensor.Dense, []model.LayerFeatures, error) {
	_, blocks, err := m.forward(images)
	if err != nil {
		return nil, nil, err
	}

	n := images.Shape()[0]
	p := m.config.gridH() * m.config.gridW()
	d := m.config.Dim

	layers := make([]model.LayerFeatures, len(blocks))
	for l, block := range blocks {
		data := block.Data().([]float32)

		prefix := make([]float32, n*d)
		copy(prefix, data[:n*d])

		spatial := make([]float32, n*p*d)
		copy(spatial, data[n*d:])

		layers[l] = model.LayerFeatures{
			Prefix: tensor.New(
				tensor.WithShape(n, 1, d), tensor.Of(tensor.Float32), tensor.WithBacking(prefix)),
			Spatial: tensor.New(
				tensor.WithShape(n, m.config.gridH(), m.config.gridW(), d),
				tensor.Of(tensor.Float32), tensor.WithBacking(spatial)),
		}
	}

	final := layers[len(layers)-1]
	finalTokens, err := concatTokens(final, n, p, d)
	if err != nil {
		return nil, nil, err
	}
	return finalTokens, layers, nil
}

// ForwardHead implements model.IntermediateModel. features must be (N,T,D);
// the head classifies from token 0 of each sample.
func (m *Model) ForwardHead(features *tensor.Dense) (*tensor.Dense, error) {
	shape := features.Shape()
	if len(shape) != 3 || shape[2] != m.config.Dim {
		return nil, errors.Errorf("vitlite: head expects (N,T,%d) features, got %v", m.config.Dim, shape)
	}
	n, t, d := shape[0], shape[1], shape[2]
	data, ok := features.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("vitlite: head expects float32 features, got %T", features.Data())
	}

	prefix := make([]float32, n*d)
	for i := 0; i < n; i++ {
		copy(prefix[i*d:(i+1)*d], data[i*t*d:i*t*d+d])
	}
	prefixValue := tensor.New(tensor.WithShape(n, d), tensor.Of(tensor.Float32), tensor.WithBacking(prefix))

	g := G.NewGraph()
	x := G.NewMatrix(g, tensor.Float32,
		G.WithShape(n, d), G.WithName("head_in"), G.WithValue(prefixValue))
	headW := G.NewMatrix(g, tensor.Float32,
		G.WithShape(d, m.config.Classes), G.WithName("head_w"), G.WithValue(m.headW))
	headB := G.NewMatrix(g, tensor.Float32,
		G.WithShape(1, m.config.Classes), G.WithName("head_b"), G.WithValue(m.headB))

	out, err := G.Mul(x, headW)
	if err != nil {
		return nil, errors.Wrap(err, "vitlite: head")
	}
	out, err = G.BroadcastAdd(out, headB, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "vitlite: head bias")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "vitlite: running head")
	}
	return denseCopy(out.Value().Data().([]float32), n, m.config.Classes), nil
}

// tokenize flattens an (N,C,H,W) batch into sample-major patch rows of
// shape (N*P, patchDim).
func (m *Model) tokenize(images *tensor.Dense) (int, *tensor.Dense, error) {
	shape := images.Shape()
	if len(shape) != 4 || shape[1] != 3 || shape[2] != m.config.Height || shape[3] != m.config.Width {
		return 0, nil, errors.Errorf("vitlite: expected (N,3,%d,%d) batch, got %v",
			m.config.Height, m.config.Width, shape)
	}
	data, ok := images.Data().([]float32)
	if !ok {
		return 0, nil, errors.Errorf("vitlite: expected float32 batch, got %T", images.Data())
	}

	n := shape[0]
	patch := m.config.Patch
	gh, gw := m.config.gridH(), m.config.gridW()
	pd := m.config.patchDim()
	h, w := m.config.Height, m.config.Width

	backing := make([]float32, n*gh*gw*pd)
	row := 0
	for i := 0; i < n; i++ {
		for py := 0; py < gh; py++ {
			for px := 0; px < gw; px++ {
				out := backing[row*pd : (row+1)*pd]
				k := 0
				for c := 0; c < 3; c++ {
					for y := py * patch; y < (py+1)*patch; y++ {
						for x := px * patch; x < (px+1)*patch; x++ {
							out[k] = data[((i*3+c)*h+y)*w+x]
							k++
						}
					}
				}
				row++
			}
		}
	}

	return n, tensor.New(
		tensor.WithShape(n*gh*gw, pd), tensor.Of(tensor.Float32), tensor.WithBacking(backing)), nil
}

// concatTokens rebuilds an (N, 1+P, D) token tensor from prefix and spatial
// parts of a layer.
func concatTokens(lf model.LayerFeatures, n, p, d int) (*tensor.Dense, error) {
	prefix, ok := lf.Prefix.Data().([]float32)
	if !ok {
		return nil, errors.New("vitlite: prefix tokens are not float32")
	}
	spatial, ok := lf.Spatial.Data().([]float32)
	if !ok {
		return nil, errors.New("vitlite: spatial tokens are not float32")
	}

	backing := make([]float32, n*(1+p)*d)
	for i := 0; i < n; i++ {
		copy(backing[i*(1+p)*d:i*(1+p)*d+d], prefix[i*d:(i+1)*d])
		copy(backing[i*(1+p)*d+d:(i+1)*(1+p)*d], spatial[i*p*d:(i+1)*p*d])
	}
	return tensor.New(
		tensor.WithShape(n, 1+p, d), tensor.Of(tensor.Float32), tensor.WithBacking(backing)), nil
}

func denseCopy(data []float32, rows, cols int) *tensor.Dense {
	backing := make([]float32, rows*cols)
	copy(backing, data)
	return tensor.New(
		tensor.WithShape(rows, cols), tensor.Of(tensor.Float32), tensor.WithBacking(backing))
}

func blockName(kind string, layer int) string {
	return "block_" + kind + "_" + strconv.Itoa(layer)
}
