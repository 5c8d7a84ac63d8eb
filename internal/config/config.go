// Package config loads coordinator settings.
//
// Precedence: defaults, then a YAML file, then OTC_* environment variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("coordinator.yaml").
//	    Load()
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/signalsfoundry/orbital-training-coordinator/core"
	"github.com/signalsfoundry/orbital-training-coordinator/federated"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/observability"
	"github.com/signalsfoundry/orbital-training-coordinator/model"
	"github.com/signalsfoundry/orbital-training-coordinator/partition"
	"github.com/signalsfoundry/orbital-training-coordinator/timectrl"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete coordinator configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Mesh      MeshConfig      `yaml:"mesh" env:"MESH"`
	Federated FederatedConfig `yaml:"federated" env:"FEDERATED"`
	Partition PartitionConfig `yaml:"partition" env:"PARTITION"`
	Sync      SyncConfig      `yaml:"sync" env:"SYNC"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level     string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format    string `yaml:"format" env:"FORMAT"` // text, json
	AddSource bool   `yaml:"add_source" env:"ADD_SOURCE"`
}

// MeshConfig describes the constellation and how the simulated clock
// drives it.
type MeshConfig struct {
	DefaultISLRangeKm float64 `yaml:"default_isl_range_km" env:"DEFAULT_ISL_RANGE_KM"`

	Constellation    string  `yaml:"constellation" env:"CONSTELLATION"`
	Planes           int     `yaml:"planes" env:"PLANES"`
	SatsPerPlane     int     `yaml:"sats_per_plane" env:"SATS_PER_PLANE"`
	AltitudeKm       float64 `yaml:"altitude_km" env:"ALTITUDE_KM"`
	InclinationDeg   float64 `yaml:"inclination_deg" env:"INCLINATION_DEG"`
	ISLBandwidthGbps float64 `yaml:"isl_bandwidth_gbps" env:"ISL_BANDWIDTH_GBPS"`
	ComputeTFLOPS    float64 `yaml:"compute_tflops" env:"COMPUTE_TFLOPS"`

	// TimeStep is the simulated time advanced per clock tick.
	TimeStep time.Duration `yaml:"time_step" env:"TIME_STEP"`
	// RebuildInterval is the simulated time between topology rebuilds.
	RebuildInterval time.Duration `yaml:"rebuild_interval" env:"REBUILD_INTERVAL"`
	// ClockMode is "realtime" or "accelerated".
	ClockMode string `yaml:"clock_mode" env:"CLOCK_MODE"`

	GroundStations []model.GroundStation `yaml:"ground_stations" env:"-"`
}

// FederatedConfig configures client compression and server aggregation.
type FederatedConfig struct {
	Method           string  `yaml:"method" env:"METHOD"`
	KRatio           float64 `yaml:"k_ratio" env:"K_RATIO"`
	QuantizationBits int     `yaml:"quantization_bits" env:"QUANTIZATION_BITS"`
	ErrorFeedback    bool    `yaml:"error_feedback" env:"ERROR_FEEDBACK"`
	Seed             uint64  `yaml:"seed" env:"SEED"`

	Strategy        string  `yaml:"strategy" env:"STRATEGY"`
	MinParticipants int     `yaml:"min_participants" env:"MIN_PARTICIPANTS"`
	ModelSize       int     `yaml:"model_size" env:"MODEL_SIZE"`
	LearningRate    float64 `yaml:"learning_rate" env:"LEARNING_RATE"`
	SamplesPerStep  uint64  `yaml:"samples_per_step" env:"SAMPLES_PER_STEP"`

	// Sink is the ground station hosting the aggregator.
	Sink string `yaml:"sink" env:"SINK"`
}

// PartitionConfig configures the layer-placement optimizer and the model
// it plans for.
type PartitionConfig struct {
	GroundTFLOPS  float64 `yaml:"ground_tflops" env:"GROUND_TFLOPS"`
	OrbitalTFLOPS float64 `yaml:"orbital_tflops" env:"ORBITAL_TFLOPS"`
	AltitudeKm    float64 `yaml:"altitude_km" env:"ALTITUDE_KM"`
	UplinkMbps    float64 `yaml:"uplink_mbps" env:"UPLINK_MBPS"`
	DownlinkMbps  float64 `yaml:"downlink_mbps" env:"DOWNLINK_MBPS"`
	Objective     string  `yaml:"objective" env:"OBJECTIVE"`

	Model TransformerConfig `yaml:"model" env:"MODEL"`
}

// TransformerConfig sizes the transformer profile that gets partitioned.
type TransformerConfig struct {
	Layers    int `yaml:"layers" env:"LAYERS"`
	Hidden    int `yaml:"hidden" env:"HIDDEN"`
	Vocab     int `yaml:"vocab" env:"VOCAB"`
	SeqLength int `yaml:"seq_length" env:"SEQ_LENGTH"`
}

// SyncConfig configures the transfer queue and its cron cadences.
type SyncConfig struct {
	AltitudeKm     float64 `yaml:"altitude_km" env:"ALTITUDE_KM"`
	InclinationDeg float64 `yaml:"inclination_deg" env:"INCLINATION_DEG"`

	TrainSchedule     string `yaml:"train_schedule" env:"TRAIN_SCHEDULE"`
	DrainSchedule     string `yaml:"drain_schedule" env:"DRAIN_SCHEDULE"`
	AggregateSchedule string `yaml:"aggregate_schedule" env:"AGGREGATE_SCHEDULE"`
	// DrainBudgetBytes caps one drain; zero drains everything.
	DrainBudgetBytes uint64 `yaml:"drain_budget_bytes" env:"DRAIN_BUDGET_BYTES"`
}

// TelemetryConfig configures the metrics endpoint, health server and
// tracing.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	GRPCAddr    string `yaml:"grpc_addr" env:"GRPC_ADDR"`

	// Tracing is overlaid from OTC_TRACING_* by TracingConfig.ApplyEnv.
	Tracing observability.TracingConfig `yaml:"tracing" env:"-"`
}

// Default returns a 6×11 shell at 550 km feeding a Svalbard aggregator.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Mesh: MeshConfig{
			DefaultISLRangeKm: 5000,
			Constellation:     "shell",
			Planes:            6,
			SatsPerPlane:      11,
			AltitudeKm:        550,
			InclinationDeg:    53,
			ISLBandwidthGbps:  10,
			ComputeTFLOPS:     10,
			TimeStep:          10 * time.Second,
			RebuildInterval:   time.Minute,
			ClockMode:         "realtime",
			GroundStations:    model.DefaultGroundNetwork(),
		},
		Federated: FederatedConfig{
			Method:           federated.MethodTopKQuantized.String(),
			KRatio:           0.01,
			QuantizationBits: 8,
			ErrorFeedback:    true,
			Seed:             1,
			Strategy:         federated.FedAvg.String(),
			MinParticipants:  3,
			ModelSize:        10000,
			LearningRate:     0.01,
			SamplesPerStep:   32,
			Sink:             "Svalbard",
		},
		Partition: PartitionConfig{
			GroundTFLOPS:  100,
			OrbitalTFLOPS: 10,
			AltitudeKm:    550,
			UplinkMbps:    100,
			DownlinkMbps:  200,
			Objective:     partition.Balance.String(),
			Model:         TransformerConfig{Layers: 12, Hidden: 768, Vocab: 50257, SeqLength: 512},
		},
		Sync: SyncConfig{
			AltitudeKm:        550,
			InclinationDeg:    51.6,
			TrainSchedule:     "@every 10s",
			DrainSchedule:     "@every 30s",
			AggregateSchedule: "@every 1m",
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: ":9090",
			GRPCAddr:    ":50051",
			Tracing:     observability.DefaultTracingConfig(),
		},
	}
}

// Validate reports every invalid field at once. The result wraps
// ErrInvalidConfig and each underlying error, so errors.Is matches the
// federated parameter sentinels too.
func (c *Config) Validate() error {
	var errs []error

	if c.Mesh.DefaultISLRangeKm <= 0 {
		errs = append(errs, errors.New("mesh.default_isl_range_km must be positive"))
	}
	if c.Mesh.Planes < 0 || c.Mesh.SatsPerPlane < 0 {
		errs = append(errs, errors.New("mesh.planes and mesh.sats_per_plane must not be negative"))
	}
	if c.Mesh.TimeStep <= 0 {
		errs = append(errs, errors.New("mesh.time_step must be positive"))
	}
	if c.Mesh.RebuildInterval <= 0 {
		errs = append(errs, errors.New("mesh.rebuild_interval must be positive"))
	}
	if _, err := c.ClockMode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.CompressionConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AggregationStrategy(); err != nil {
		errs = append(errs, err)
	}
	if c.Federated.MinParticipants < 1 {
		errs = append(errs, errors.New("federated.min_participants must be at least 1"))
	}
	if c.Federated.ModelSize < 1 {
		errs = append(errs, errors.New("federated.model_size must be at least 1"))
	}
	if c.Federated.Sink == "" {
		errs = append(errs, errors.New("federated.sink is required"))
	}
	if _, err := c.Objective(); err != nil {
		errs = append(errs, err)
	}
	if c.Partition.GroundTFLOPS <= 0 || c.Partition.OrbitalTFLOPS <= 0 {
		errs = append(errs, errors.New("partition TFLOPS must be positive"))
	}
	if c.Partition.UplinkMbps <= 0 {
		errs = append(errs, errors.New("partition.uplink_mbps must be positive"))
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, sched := range []struct{ name, spec string }{
		{"sync.train_schedule", c.Sync.TrainSchedule},
		{"sync.drain_schedule", c.Sync.DrainSchedule},
		{"sync.aggregate_schedule", c.Sync.AggregateSchedule},
	} {
		if _, err := parser.Parse(sched.spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sched.name, err))
		}
	}
	if r := c.Telemetry.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, errors.New("telemetry.tracing.sample_ratio must be within [0,1]"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LoggingConfig converts the log section for logging.New.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, AddSource: c.Log.AddSource}
}

// CompressionConfig builds and validates the client compression settings.
func (c *Config) CompressionConfig() (federated.CompressionConfig, error) {
	method, err := federated.ParseCompressionMethod(c.Federated.Method)
	if err != nil {
		return federated.CompressionConfig{}, err
	}
	cc := federated.CompressionConfig{
		Method:           method,
		KRatio:           c.Federated.KRatio,
		QuantizationBits: c.Federated.QuantizationBits,
		ErrorFeedback:    c.Federated.ErrorFeedback,
	}
	if err := cc.Validate(); err != nil {
		return federated.CompressionConfig{}, err
	}
	return cc, nil
}

// AggregationStrategy parses federated.strategy.
func (c *Config) AggregationStrategy() (federated.AggregationStrategy, error) {
	return federated.ParseAggregationStrategy(c.Federated.Strategy)
}

// Objective parses partition.objective.
func (c *Config) Objective() (partition.Objective, error) {
	return partition.ParseObjective(c.Partition.Objective)
}

// ClockMode parses mesh.clock_mode.
func (c *Config) ClockMode() (timectrl.Mode, error) {
	switch strings.ToLower(c.Mesh.ClockMode) {
	case "", "realtime", "real_time":
		return timectrl.RealTime, nil
	case "accelerated":
		return timectrl.Accelerated, nil
	default:
		return timectrl.RealTime, fmt.Errorf("unknown clock mode %q", c.Mesh.ClockMode)
	}
}

// Walker returns the constellation shell to build at startup.
func (c *Config) Walker() core.WalkerConfig {
	return core.WalkerConfig{
		Name:             c.Mesh.Constellation,
		Planes:           c.Mesh.Planes,
		SatsPerPlane:     c.Mesh.SatsPerPlane,
		AltitudeKm:       c.Mesh.AltitudeKm,
		InclinationDeg:   c.Mesh.InclinationDeg,
		ISLRangeKm:       c.Mesh.DefaultISLRangeKm,
		ISLBandwidthGbps: c.Mesh.ISLBandwidthGbps,
		ComputeTFLOPS:    c.Mesh.ComputeTFLOPS,
	}
}

// Optimizer returns the partition optimizer described by the partition
// section.
func (c *Config) Optimizer(log logging.Logger) partition.Optimizer {
	return partition.Optimizer{
		GroundTFLOPS:  c.Partition.GroundTFLOPS,
		OrbitalTFLOPS: c.Partition.OrbitalTFLOPS,
		AltitudeKm:    c.Partition.AltitudeKm,
		UplinkMbps:    c.Partition.UplinkMbps,
		DownlinkMbps:  c.Partition.DownlinkMbps,
		Logger:        log,
	}
}

// ModelProfile returns the transformer profile to partition.
func (c *Config) ModelProfile() *model.ModelProfile {
	m := c.Partition.Model
	return model.CreateTransformer(m.Layers, m.Hidden, m.Vocab, m.SeqLength)
}
