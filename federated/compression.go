package federated

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrUnsupportedBits indicates a quantization width outside {2,4,8,16,32}.
	ErrUnsupportedBits = errors.New("unsupported quantization bits")
	// ErrInvalidRatio indicates a sparsification ratio outside (0, 1].
	ErrInvalidRatio = errors.New("k ratio must be in (0, 1]")
	// ErrSizeMismatch indicates vectors or index sets that do not line up.
	ErrSizeMismatch = errors.New("gradient size mismatch")
)

// CompressionMethod selects how a gradient is reduced before upload.
type CompressionMethod int

const (
	MethodNone CompressionMethod = iota
	MethodTopK
	MethodTopKQuantized
	MethodRandomK
	MethodQuantization
)

var methodNames = map[CompressionMethod]string{
	MethodNone:          "none",
	MethodTopK:          "top_k",
	MethodTopKQuantized: "top_k_quantized",
	MethodRandomK:       "random_k",
	MethodQuantization:  "quantization",
}

func (m CompressionMethod) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("CompressionMethod(%d)", int(m))
}

// ParseCompressionMethod accepts the snake_case names produced by String.
func ParseCompressionMethod(s string) (CompressionMethod, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range methodNames {
		if name == s {
			return m, nil
		}
	}
	return MethodNone, fmt.Errorf("unknown compression method %q", s)
}

func (m CompressionMethod) sparsifies() bool {
	return m == MethodTopK || m == MethodTopKQuantized || m == MethodRandomK
}

func (m CompressionMethod) quantizes() bool {
	return m == MethodTopKQuantized || m == MethodQuantization
}

// CompressionConfig controls a Compressor.
type CompressionConfig struct {
	Method           CompressionMethod `json:"method" yaml:"method"`
	KRatio           float64           `json:"k_ratio" yaml:"k_ratio"`
	QuantizationBits int               `json:"quantization_bits" yaml:"quantization_bits"`
	ErrorFeedback    bool              `json:"error_feedback" yaml:"error_feedback"`
}

// HighCompression keeps 0.1% of components at 4 bits.
func HighCompression() CompressionConfig {
	return CompressionConfig{Method: MethodTopKQuantized, KRatio: 0.001, QuantizationBits: 4, ErrorFeedback: true}
}

// Balanced keeps 1% of components at 8 bits.
func Balanced() CompressionConfig {
	return CompressionConfig{Method: MethodTopKQuantized, KRatio: 0.01, QuantizationBits: 8, ErrorFeedback: true}
}

// LowCompression quantizes every component to 16 bits.
func LowCompression() CompressionConfig {
	return CompressionConfig{Method: MethodQuantization, KRatio: 1.0, QuantizationBits: 16}
}

// SupportedBits reports whether bits is an accepted quantization width.
func SupportedBits(bits int) bool {
	switch bits {
	case 2, 4, 8, 16, 32:
		return true
	}
	return false
}

// Validate checks only the parameters the method actually uses.
func (c CompressionConfig) Validate() error {
	if _, ok := methodNames[c.Method]; !ok {
		return fmt.Errorf("unknown compression method %d", int(c.Method))
	}
	if c.Method.sparsifies() && (c.KRatio <= 0 || c.KRatio > 1 || math.IsNaN(c.KRatio)) {
		return fmt.Errorf("%w: got %v", ErrInvalidRatio, c.KRatio)
	}
	if c.Method.quantizes() && !SupportedBits(c.QuantizationBits) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBits, c.QuantizationBits)
	}
	return nil
}

// TheoreticalCompressionRatio estimates compressed/original bytes assuming
// 32-bit indices and values.
func (c CompressionConfig) TheoreticalCompressionRatio() float64 {
	bits := float64(c.QuantizationBits)
	switch c.Method {
	case MethodTopK:
		return c.KRatio * 2
	case MethodTopKQuantized:
		return c.KRatio * (bits/32 + 1)
	case MethodQuantization:
		return bits / 32
	case MethodRandomK:
		return c.KRatio
	default:
		return 1
	}
}

// CompressedGradient is the sparse payload a node uploads.
// QuantizationBits is zero when values are full precision.
type CompressedGradient struct {
	Indices          []int     `json:"indices"`
	Values           []float64 `json:"values"`
	Shape            []int     `json:"shape"`
	OriginalSize     int       `json:"original_size"`
	CompressedSize   int       `json:"compressed_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	QuantizationBits int       `json:"quantization_bits,omitempty"`
}

// Sparsity is the fraction of components that were dropped.
func (g CompressedGradient) Sparsity() float64 {
	if g.OriginalSize == 0 {
		return 0
	}
	return 1 - float64(len(g.Indices))/float64(g.OriginalSize)
}

// Validate checks that indices are unique, in range and paired with values.
func (g CompressedGradient) Validate() error {
	if len(g.Indices) != len(g.Values) {
		return fmt.Errorf("%w: %d indices, %d values", ErrSizeMismatch, len(g.Indices), len(g.Values))
	}
	if len(g.Indices) > g.OriginalSize {
		return fmt.Errorf("%w: %d indices exceed original size %d", ErrSizeMismatch, len(g.Indices), g.OriginalSize)
	}
	seen := make(map[int]struct{}, len(g.Indices))
	for _, idx := range g.Indices {
		if idx < 0 || idx >= g.OriginalSize {
			return fmt.Errorf("%w: index %d out of range [0,%d)", ErrSizeMismatch, idx, g.OriginalSize)
		}
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: duplicate index %d", ErrSizeMismatch, idx)
		}
		seen[idx] = struct{}{}
	}
	return nil
}

// Decompress scatters the retained values into a dense zero vector.
func Decompress(g CompressedGradient) []float64 {
	out := make([]float64, g.OriginalSize)
	for i, idx := range g.Indices {
		out[idx] = g.Values[i]
	}
	return out
}

// RandomSource supplies indices for RandomK selection.
type RandomSource interface {
	IntN(n int) int
}

// NewSeededSource returns a deterministic PCG-backed source.
func NewSeededSource(seed uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// CompressionRecorder observes each compression result.
type CompressionRecorder interface {
	ObserveCompression(method string, ratio float64)
}

// CompressorOption customises a Compressor.
type CompressorOption func(*Compressor)

// WithRandomSource sets the generator used by RandomK.
func WithRandomSource(src RandomSource) CompressorOption {
	return func(c *Compressor) {
		if src != nil {
			c.rng = src
		}
	}
}

// WithCompressionRecorder attaches a recorder for compression ratios.
func WithCompressionRecorder(r CompressionRecorder) CompressorOption {
	return func(c *Compressor) {
		c.recorder = r
	}
}

// Compressor compresses one node's gradient stream. With error feedback
// enabled it carries the discarded residual from one call into the next.
// The residual is dropped by SetConfig, Reset, or when the gradient length
// changes.
type Compressor struct {
	mu       sync.Mutex
	cfg      CompressionConfig
	residual []float64
	rng      RandomSource
	recorder CompressionRecorder
}

// NewCompressor validates cfg and returns a compressor.
func NewCompressor(cfg CompressionConfig, opts ...CompressorOption) (*Compressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Compressor{cfg: cfg, rng: NewSeededSource(1)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Config returns the active configuration.
func (c *Compressor) Config() CompressionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig swaps the configuration and clears the residual.
func (c *Compressor) SetConfig(cfg CompressionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.residual = nil
	return nil
}

// Reset clears the error-feedback residual.
func (c *Compressor) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.residual = nil
}

// Residual returns a copy of the carried residual, or nil.
func (c *Compressor) Residual() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.residual == nil {
		return nil
	}
	return append([]float64(nil), c.residual...)
}

// Compress reduces gradients according to the configured method. The input
// slice is not modified.
func (c *Compressor) Compress(gradients []float64) CompressedGradient {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(gradients)
	working := append([]float64(nil), gradients...)
	if c.cfg.ErrorFeedback && len(c.residual) == n && n > 0 {
		floats.Add(working, c.residual)
	}

	out := c.compress(working)

	if c.cfg.ErrorFeedback {
		c.residual = floats.SubTo(make([]float64, n), working, Decompress(out))
	}
	if c.recorder != nil {
		c.recorder.ObserveCompression(c.cfg.Method.String(), out.CompressionRatio)
	}
	return out
}

func (c *Compressor) compress(working []float64) CompressedGradient {
	n := len(working)
	out := CompressedGradient{Shape: []int{n}, OriginalSize: n}

	if c.cfg.Method == MethodNone || n == 0 {
		out.Indices = make([]int, n)
		for i := range out.Indices {
			out.Indices[i] = i
		}
		out.Values = working
		out.CompressedSize = n * 4
		out.CompressionRatio = 1
		return out
	}

	var indices []int
	switch c.cfg.Method {
	case MethodTopK, MethodTopKQuantized:
		indices = topK(working, selectCount(n, c.cfg.KRatio))
	case MethodRandomK:
		indices = randomK(c.rng, n, selectCount(n, c.cfg.KRatio))
	case MethodQuantization:
		indices = make([]int, n)
		for i := range indices {
			indices[i] = i
		}
	}

	values := make([]float64, len(indices))
	for i, idx := range indices {
		values[i] = working[idx]
	}

	bitsPerValue := 32
	if c.cfg.Method.quantizes() {
		values = quantize(values, c.cfg.QuantizationBits)
		bitsPerValue = c.cfg.QuantizationBits
		out.QuantizationBits = bitsPerValue
	}

	out.Indices = indices
	out.Values = values
	out.CompressedSize = len(indices) * (32 + bitsPerValue) / 8
	out.CompressionRatio = float64(out.CompressedSize) / float64(n*4)
	return out
}

// selectCount is ceil(n·ratio) clamped to [1, n].
func selectCount(n int, ratio float64) int {
	k := int(math.Ceil(float64(n) * ratio))
	return max(1, min(k, n))
}

// topK returns the k indices of largest magnitude. Equal magnitudes keep
// their original order.
func topK(v []float64, k int) []int {
	order := make([]int, len(v))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(v[order[a]]) > math.Abs(v[order[b]])
	})
	return order[:k]
}

// randomK draws k distinct indices from [0, n) with a partial Fisher-Yates
// shuffle and returns them in ascending order.
func randomK(src RandomSource, n, k int) []int {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + src.IntN(n-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	out := pool[:k]
	sort.Ints(out)
	return out
}

// quantize snaps values onto 2^bits uniform levels spanning their range.
// A zero range returns the values unchanged.
func quantize(values []float64, bits int) []float64 {
	if len(values) == 0 {
		return values
	}
	lo, hi := floats.Min(values), floats.Max(values)
	span := hi - lo
	if span == 0 {
		return values
	}
	levels := math.Exp2(float64(bits))
	scale := span / (levels - 1)
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = lo + math.Round((v-lo)/scale)*scale
	}
	return out
}
