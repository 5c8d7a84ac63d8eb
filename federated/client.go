package federated

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"

	"github.com/signalsfoundry/orbital-training-coordinator/model"
)

// Client is one training participant: it produces local gradients,
// compresses them for upload and applies the global update.
type Client struct {
	NodeID   string
	NodeType model.NodeType

	compressor *Compressor
	localSteps atomic.Uint64
}

// NewClient returns a client using cfg for uploads.
func NewClient(nodeID string, nodeType model.NodeType, cfg CompressionConfig, opts ...CompressorOption) (*Client, error) {
	c, err := NewCompressor(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", nodeID, err)
	}
	return &Client{NodeID: nodeID, NodeType: nodeType, compressor: c}, nil
}

// NewOrbitalClient uses the Balanced preset.
func NewOrbitalClient(nodeID string, opts ...CompressorOption) *Client {
	c, _ := NewClient(nodeID, model.NodeTypeOrbital, Balanced(), opts...)
	return c
}

// NewGroundClient uses the LowCompression preset.
func NewGroundClient(nodeID string, opts ...CompressorOption) *Client {
	c, _ := NewClient(nodeID, model.NodeTypeGround, LowCompression(), opts...)
	return c
}

// Compressor exposes the client's compressor.
func (c *Client) Compressor() *Compressor { return c.compressor }

// LocalSteps returns how many local gradients have been computed.
func (c *Client) LocalSteps() uint64 { return c.localSteps.Load() }

// ComputeGradients runs one simulated local step. The result is a
// deterministic function of the step counter and parameter index.
func (c *Client) ComputeGradients(params []float64) []float64 {
	step := c.localSteps.Add(1)
	out := make([]float64, len(params))
	for i := range out {
		out[i] = math.Sin(float64(step)*1000+float64(i)) * 0.1
	}
	return out
}

// Compress compresses gradients with the client's error-feedback state.
func (c *Client) Compress(gradients []float64) CompressedGradient {
	return c.compressor.Compress(gradients)
}

// ApplyUpdate returns params - lr*update.
func (c *Client) ApplyUpdate(params, update []float64, lr float64) ([]float64, error) {
	if len(params) != len(update) {
		return nil, fmt.Errorf("%w: %d params, %d update", ErrSizeMismatch, len(params), len(update))
	}
	out := append([]float64(nil), params...)
	floats.AddScaled(out, -lr, update)
	return out, nil
}

// ClientStats summarises a client.
type ClientStats struct {
	NodeID           string  `json:"node_id"`
	NodeType         string  `json:"node_type"`
	LocalSteps       uint64  `json:"local_steps"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Stats reports the client's identity, step count and theoretical ratio.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		NodeID:           c.NodeID,
		NodeType:         c.NodeType.String(),
		LocalSteps:       c.LocalSteps(),
		CompressionRatio: math.Round(c.compressor.Config().TheoreticalCompressionRatio()*1e4) / 1e4,
	}
}
