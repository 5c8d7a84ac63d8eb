package federated

import (
	"errors"
	"math"
	"testing"
)

func mustCompressor(t *testing.T, cfg CompressionConfig, opts ...CompressorOption) *Compressor {
	t.Helper()
	c, err := NewCompressor(cfg, opts...)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	return c
}

func sineGradient(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(float64(i)) * 0.1
	}
	return out
}

func TestCompress_NoneIsLossless(t *testing.T) {
	c := mustCompressor(t, CompressionConfig{Method: MethodNone})
	g := []float64{0.5, -1, 0, 3}

	out := c.Compress(g)
	if out.CompressionRatio != 1 || out.CompressedSize != 16 || out.QuantizationBits != 0 {
		t.Fatalf("unexpected metadata %+v", out)
	}
	if len(out.Indices) != len(g) {
		t.Fatalf("indices = %v", out.Indices)
	}
	for i, v := range Decompress(out) {
		if v != g[i] {
			t.Fatalf("index %d: got %v want %v", i, v, g[i])
		}
	}
}

func TestCompress_TopKStableTies(t *testing.T) {
	c := mustCompressor(t, CompressionConfig{Method: MethodTopK, KRatio: 0.5})
	out := c.Compress([]float64{1, -3, 3, 0.5, -1, 2})

	want := []int{1, 2, 5}
	if len(out.Indices) != len(want) {
		t.Fatalf("indices = %v, want %v", out.Indices, want)
	}
	for i := range want {
		if out.Indices[i] != want[i] {
			t.Fatalf("indices = %v, want %v", out.Indices, want)
		}
	}
	if out.CompressedSize != 3*64/8 {
		t.Fatalf("compressed size = %d", out.CompressedSize)
	}
	if got := out.Sparsity(); got != 0.5 {
		t.Fatalf("sparsity = %v", got)
	}
}

func TestCompress_KClamped(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		ratio float64
		want  int
	}{
		{name: "tiny ratio rounds up to one", n: 10, ratio: 0.001, want: 1},
		{name: "ceil", n: 10, ratio: 0.25, want: 3},
		{name: "full", n: 7, ratio: 1, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectCount(tt.n, tt.ratio); got != tt.want {
				t.Fatalf("selectCount(%d, %v) = %d, want %d", tt.n, tt.ratio, got, tt.want)
			}
		})
	}
}

func TestCompress_TopKQuantized(t *testing.T) {
	c := mustCompressor(t, Balanced())
	g := sineGradient(1000)

	out := c.Compress(g)
	if len(out.Indices) != 10 {
		t.Fatalf("expected 10 indices, got %d", len(out.Indices))
	}
	if out.QuantizationBits != 8 {
		t.Fatalf("bits = %d", out.QuantizationBits)
	}
	if out.CompressedSize != 10*40/8 {
		t.Fatalf("compressed size = %d", out.CompressedSize)
	}
	if out.CompressionRatio >= 0.5 {
		t.Fatalf("ratio = %v", out.CompressionRatio)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, idx := range out.Indices {
		lo, hi = math.Min(lo, g[idx]), math.Max(hi, g[idx])
	}
	step := (hi - lo) / 255
	for i, idx := range out.Indices {
		if math.Abs(out.Values[i]-g[idx]) > step/2+1e-12 {
			t.Fatalf("index %d quantized too far: %v vs %v", idx, out.Values[i], g[idx])
		}
	}
}

func TestQuantize_DegenerateRange(t *testing.T) {
	in := []float64{0.25, 0.25, 0.25}
	out := quantize(in, 2)
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("constant input changed: %v", out)
		}
	}
}

func TestQuantize_TwoBitLevels(t *testing.T) {
	out := quantize([]float64{0, 0.1, 0.5, 0.9, 3}, 2)
	want := []float64{0, 0, 1, 1, 3}
	for i := range want {
		if math.Abs(out[i]-want[i]) > 1e-12 {
			t.Fatalf("quantize = %v, want %v", out, want)
		}
	}
}

func TestCompress_DenseQuantization(t *testing.T) {
	c := mustCompressor(t, LowCompression())
	g := sineGradient(64)

	out := c.Compress(g)
	if len(out.Indices) != 64 || out.QuantizationBits != 16 {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.CompressedSize != 64*48/8 {
		t.Fatalf("compressed size = %d", out.CompressedSize)
	}
	if c.Residual() != nil {
		t.Fatalf("low compression preset has no error feedback")
	}
}

type sequenceSource struct {
	next []int
}

func (s *sequenceSource) IntN(n int) int {
	v := s.next[0] % n
	s.next = s.next[1:]
	return v
}

func TestCompress_RandomKUsesInjectedSource(t *testing.T) {
	src := &sequenceSource{next: []int{3, 0}}
	c := mustCompressor(t, CompressionConfig{Method: MethodRandomK, KRatio: 0.2}, WithRandomSource(src))

	out := c.Compress([]float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19})
	// Fisher-Yates: swap 0<->3, then swap 1<->1.
	if len(out.Indices) != 2 || out.Indices[0] != 1 || out.Indices[1] != 3 {
		t.Fatalf("indices = %v, want [1 3]", out.Indices)
	}
	if out.Values[0] != 11 || out.Values[1] != 13 {
		t.Fatalf("values = %v", out.Values)
	}
}

func TestCompress_RandomKSeededReproducible(t *testing.T) {
	cfg := CompressionConfig{Method: MethodRandomK, KRatio: 0.1}
	a := mustCompressor(t, cfg, WithRandomSource(NewSeededSource(42)))
	b := mustCompressor(t, cfg, WithRandomSource(NewSeededSource(42)))
	g := sineGradient(500)

	x, y := a.Compress(g), b.Compress(g)
	for i := range x.Indices {
		if x.Indices[i] != y.Indices[i] {
			t.Fatalf("same seed diverged at %d", i)
		}
	}
	if err := x.Validate(); err != nil {
		t.Fatalf("random-k produced invalid gradient: %v", err)
	}
}

func TestCompress_ErrorFeedbackCarriesResidual(t *testing.T) {
	c := mustCompressor(t, CompressionConfig{Method: MethodTopK, KRatio: 0.25, ErrorFeedback: true})

	first := c.Compress([]float64{4, 1, 0.5, 0.25})
	if first.Indices[0] != 0 {
		t.Fatalf("first round picked %v", first.Indices)
	}
	res := c.Residual()
	if res[0] != 0 || res[1] != 1 || res[2] != 0.5 || res[3] != 0.25 {
		t.Fatalf("residual = %v", res)
	}

	// Index 1 accumulates 1+1.5 = 2.5 and wins the next round.
	second := c.Compress([]float64{0, 1.5, 0, 0})
	if second.Indices[0] != 1 || second.Values[0] != 2.5 {
		t.Fatalf("second round = %v/%v", second.Indices, second.Values)
	}

	if err := c.SetConfig(Balanced()); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if c.Residual() != nil {
		t.Fatalf("SetConfig must clear residual")
	}
}

func TestCompress_ResidualDroppedOnLengthChange(t *testing.T) {
	c := mustCompressor(t, CompressionConfig{Method: MethodTopK, KRatio: 0.5, ErrorFeedback: true})
	c.Compress([]float64{1, 2, 3, 4})

	out := c.Compress([]float64{1, 2})
	if out.Values[0] != 2 {
		t.Fatalf("stale residual applied: %v", out.Values)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  CompressionConfig
		want error
	}{
		{name: "balanced", cfg: Balanced()},
		{name: "bits 3", cfg: CompressionConfig{Method: MethodQuantization, QuantizationBits: 3}, want: ErrUnsupportedBits},
		{name: "ratio 0", cfg: CompressionConfig{Method: MethodTopK}, want: ErrInvalidRatio},
		{name: "ratio above 1", cfg: CompressionConfig{Method: MethodRandomK, KRatio: 1.5}, want: ErrInvalidRatio},
		{name: "none ignores params", cfg: CompressionConfig{Method: MethodNone}},
		{name: "topk ignores bits", cfg: CompressionConfig{Method: MethodTopK, KRatio: 0.1, QuantizationBits: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestTheoreticalCompressionRatio(t *testing.T) {
	q8 := CompressionConfig{Method: MethodTopKQuantized, KRatio: 0.01, QuantizationBits: 8}
	q16 := CompressionConfig{Method: MethodTopKQuantized, KRatio: 0.01, QuantizationBits: 16}
	if q8.TheoreticalCompressionRatio() >= q16.TheoreticalCompressionRatio() {
		t.Fatalf("8-bit should compress harder than 16-bit")
	}
	if HighCompression().TheoreticalCompressionRatio() >= Balanced().TheoreticalCompressionRatio() {
		t.Fatalf("high compression preset should beat balanced")
	}
	if got := LowCompression().TheoreticalCompressionRatio(); got != 0.5 {
		t.Fatalf("16-bit dense ratio = %v", got)
	}
	if got := (CompressionConfig{Method: MethodTopK, KRatio: 0.1}).TheoreticalCompressionRatio(); got != 0.2 {
		t.Fatalf("topk ratio = %v", got)
	}
}

func TestParseCompressionMethod(t *testing.T) {
	for m, name := range methodNames {
		got, err := ParseCompressionMethod(name)
		if err != nil || got != m {
			t.Fatalf("ParseCompressionMethod(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseCompressionMethod("zstd"); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestCompressedGradientValidate(t *testing.T) {
	tests := []struct {
		name string
		g    CompressedGradient
		ok   bool
	}{
		{name: "ok", g: CompressedGradient{Indices: []int{0, 2}, Values: []float64{1, 2}, OriginalSize: 3}, ok: true},
		{name: "duplicate", g: CompressedGradient{Indices: []int{1, 1}, Values: []float64{1, 2}, OriginalSize: 3}},
		{name: "out of range", g: CompressedGradient{Indices: []int{3}, Values: []float64{1}, OriginalSize: 3}},
		{name: "unpaired", g: CompressedGradient{Indices: []int{0}, Values: nil, OriginalSize: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.g.Validate()
			if tt.ok != (err == nil) {
				t.Fatalf("Validate() = %v", err)
			}
			if err != nil && !errors.Is(err, ErrSizeMismatch) {
				t.Fatalf("expected ErrSizeMismatch, got %v", err)
			}
		})
	}
}
