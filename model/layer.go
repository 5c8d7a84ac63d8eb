package model

import "fmt"

// LayerType is a coarse classification of a neural network layer.
type LayerType int

const (
	LayerOther LayerType = iota
	LayerLinear
	LayerConv2d
	LayerAttention
	LayerEmbedding
	LayerNormalization
	LayerActivation
	LayerPooling
)

// LayerProfile carries the cost figures of one layer. Sizes are bytes.
type LayerProfile struct {
	Name            string    `json:"name" yaml:"name"`
	Type            LayerType `json:"type" yaml:"type"`
	Params          uint64    `json:"params" yaml:"params"`
	FLOPs           uint64    `json:"flops" yaml:"flops"`
	InputSizeBytes  uint64    `json:"input_size" yaml:"input_size"`
	OutputSizeBytes uint64    `json:"output_size" yaml:"output_size"`
}

// ModelProfile is an ordered layer sequence. The order is the only axis
// along which a model can be split.
type ModelProfile struct {
	Name   string         `json:"name" yaml:"name"`
	Layers []LayerProfile `json:"layers" yaml:"layers"`
}

// NewModelProfile returns an empty profile.
func NewModelProfile(name string) *ModelProfile {
	return &ModelProfile{Name: name}
}

// AddLayer appends a layer to the end of the sequence.
func (m *ModelProfile) AddLayer(l LayerProfile) {
	m.Layers = append(m.Layers, l)
}

func (m *ModelProfile) NumLayers() int { return len(m.Layers) }

func (m *ModelProfile) TotalParams() uint64 {
	var total uint64
	for _, l := range m.Layers {
		total += l.Params
	}
	return total
}

func (m *ModelProfile) TotalFLOPs() uint64 {
	var total uint64
	for _, l := range m.Layers {
		total += l.FLOPs
	}
	return total
}

// CreateTransformer builds a decoder-style profile: embedding, numLayers
// attention+FFN blocks, and an output projection. Activations are fp32.
func CreateTransformer(numLayers, hiddenSize, vocabSize, seqLength int) *ModelProfile {
	h := uint64(hiddenSize)
	v := uint64(vocabSize)
	s := uint64(seqLength)
	activation := s * h * 4

	p := NewModelProfile("transformer")
	p.AddLayer(LayerProfile{
		Name:            "embedding",
		Type:            LayerEmbedding,
		Params:          v * h,
		FLOPs:           s * h,
		InputSizeBytes:  s * 4,
		OutputSizeBytes: activation,
	})
	for i := 0; i < numLayers; i++ {
		p.AddLayer(LayerProfile{
			Name:            fmt.Sprintf("layer_%d_attention", i),
			Type:            LayerAttention,
			Params:          4 * h * h,
			FLOPs:           2*s*s*h + 4*s*h*h,
			InputSizeBytes:  activation,
			OutputSizeBytes: activation,
		})
		p.AddLayer(LayerProfile{
			Name:            fmt.Sprintf("layer_%d_ffn", i),
			Type:            LayerLinear,
			Params:          2 * h * 4 * h,
			FLOPs:           2 * s * h * 4 * h,
			InputSizeBytes:  activation,
			OutputSizeBytes: activation,
		})
	}
	p.AddLayer(LayerProfile{
		Name:            "output",
		Type:            LayerLinear,
		Params:          h * v,
		FLOPs:           s * h * v,
		InputSizeBytes:  activation,
		OutputSizeBytes: s * v * 4,
	})
	return p
}
