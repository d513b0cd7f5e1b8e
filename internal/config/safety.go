package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/trajectory"
)

// DefaultConfigPath is the path to the canonical supervisor defaults file.
const DefaultConfigPath = "config/safety.defaults.json"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid safety configuration")

// Replan anchor policies. See SafetyConfig.ReplanAnchor.
const (
	AnchorLowerBoundary    = "lower_boundary"
	AnchorSlowDownBoundary = "slow_down_boundary"
)

// SafetyConfig is the root configuration of the dynamic safety supervisor.
// Every field is optional in the file; the Get* accessors supply defaults.
type SafetyConfig struct {
	// Loop
	Rate                      *float64 `json:"rate,omitempty" yaml:"rate,omitempty"` // Hz; 0 derives it from the checker
	LookAheadTime             *float64 `json:"look_ahead_time,omitempty" yaml:"look_ahead_time,omitempty"`
	SlowDownTime              *float64 `json:"slow_down_time,omitempty" yaml:"slow_down_time,omitempty"` // 0 = dynamic
	CollisionCheckingDeadline *float64 `json:"collision_checking_deadline,omitempty" yaml:"collision_checking_deadline,omitempty"`

	AllowReplan             *bool   `json:"allow_replan,omitempty" yaml:"allow_replan,omitempty"`
	DynamicParameterization *bool   `json:"dynamic_parameterization,omitempty" yaml:"dynamic_parameterization,omitempty"`
	Visualize               *bool   `json:"visualize,omitempty" yaml:"visualize,omitempty"`
	ReplanAnchor            *string `json:"replan_anchor,omitempty" yaml:"replan_anchor,omitempty"`

	CollisionChecker *CollisionCheckerConfig `json:"collision_checker,omitempty" yaml:"collision_checker,omitempty"`
	Replanner        *ReplannerConfig        `json:"replanner,omitempty" yaml:"replanner,omitempty"`
	Visualizer       *VisualizerConfig       `json:"visualizer,omitempty" yaml:"visualizer,omitempty"`
	Store            *StoreConfig            `json:"store,omitempty" yaml:"store,omitempty"`

	// JointLimits maps joint name to its kinematic limits. Zero entries are
	// treated as unknown.
	JointLimits map[string]trajectory.Limit `json:"joint_limits,omitempty" yaml:"joint_limits,omitempty"`
}

// CollisionCheckerConfig is passed through to the collision checker.
type CollisionCheckerConfig struct {
	Step        *float64 `json:"step,omitempty" yaml:"step,omitempty"`
	ThreadCount *int     `json:"thread_count,omitempty" yaml:"thread_count,omitempty"`
	Distance    *bool    `json:"distance,omitempty" yaml:"distance,omitempty"`
	Continuous  *bool    `json:"continuous,omitempty" yaml:"continuous,omitempty"`
}

// ReplannerConfig configures the replanning backend.
type ReplannerConfig struct {
	Planner              *string  `json:"planner,omitempty" yaml:"planner,omitempty"`
	Group                *string  `json:"group,omitempty" yaml:"group,omitempty"`
	Deadline             *float64 `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	TimeParameterization *string  `json:"time_parameterization,omitempty" yaml:"time_parameterization,omitempty"`
}

// VisualizerConfig configures the debug state publisher.
type VisualizerConfig struct {
	PublishFrequency *float64 `json:"publish_frequency,omitempty" yaml:"publish_frequency,omitempty"`
	Step             *float64 `json:"step,omitempty" yaml:"step,omitempty"`
	ListenAddr       *string  `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

// StoreConfig configures the sqlite event store.
type StoreConfig struct {
	Path        *string `json:"path,omitempty" yaml:"path,omitempty"`
	SampleEvery *int    `json:"sample_every,omitempty" yaml:"sample_every,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySafetyConfig returns a SafetyConfig with all fields unset.
func EmptySafetyConfig() *SafetyConfig {
	return &SafetyConfig{}
}

// LoadSafetyConfig loads a SafetyConfig from a .json, .yaml or .yml file.
// Fields omitted from the file keep their accessor defaults.
func LoadSafetyConfig(path string) (*SafetyConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySafetyConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *SafetyConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // internal/config
		"../../../" + DefaultConfigPath,    // internal/safety/zone
		"../../../../" + DefaultConfigPath, // internal/safety/replan
		"../../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSafetyConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks field ranges. Cross-field zone ordering is checked by the
// zone package once the derived values are known.
func (c *SafetyConfig) Validate() error {
	nonNegative := []struct {
		name string
		v    *float64
	}{
		{"rate", c.Rate},
		{"look_ahead_time", c.LookAheadTime},
		{"slow_down_time", c.SlowDownTime},
		{"collision_checking_deadline", c.CollisionCheckingDeadline},
	}
	for _, f := range nonNegative {
		if f.v != nil && *f.v < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %f", ErrInvalidConfig, f.name, *f.v)
		}
	}

	if c.LookAheadTime != nil && *c.LookAheadTime == 0 {
		return fmt.Errorf("%w: look_ahead_time must be positive", ErrInvalidConfig)
	}

	if !c.GetDynamicParameterization() && c.GetSlowDownTime() == 0 {
		return fmt.Errorf("%w: slow_down_time must be positive when dynamic_parameterization is off", ErrInvalidConfig)
	}

	if c.ReplanAnchor != nil {
		switch *c.ReplanAnchor {
		case AnchorLowerBoundary, AnchorSlowDownBoundary:
		default:
			return fmt.Errorf("%w: unknown replan_anchor %q", ErrInvalidConfig, *c.ReplanAnchor)
		}
	}

	if cc := c.CollisionChecker; cc != nil {
		if cc.Step != nil && *cc.Step <= 0 {
			return fmt.Errorf("%w: collision_checker.step must be positive, got %f", ErrInvalidConfig, *cc.Step)
		}
		if cc.ThreadCount != nil && *cc.ThreadCount < 0 {
			return fmt.Errorf("%w: collision_checker.thread_count must be non-negative, got %d", ErrInvalidConfig, *cc.ThreadCount)
		}
	}

	if r := c.Replanner; r != nil && r.Deadline != nil && *r.Deadline < 0 {
		return fmt.Errorf("%w: replanner.deadline must be non-negative, got %f", ErrInvalidConfig, *r.Deadline)
	}

	if v := c.Visualizer; v != nil {
		if v.PublishFrequency != nil && *v.PublishFrequency <= 0 {
			return fmt.Errorf("%w: visualizer.publish_frequency must be positive, got %f", ErrInvalidConfig, *v.PublishFrequency)
		}
		if v.Step != nil && *v.Step <= 0 {
			return fmt.Errorf("%w: visualizer.step must be positive, got %f", ErrInvalidConfig, *v.Step)
		}
	}

	if s := c.Store; s != nil && s.SampleEvery != nil && *s.SampleEvery < 1 {
		return fmt.Errorf("%w: store.sample_every must be at least 1, got %d", ErrInvalidConfig, *s.SampleEvery)
	}

	for name, lim := range c.JointLimits {
		if lim.MaxVelocity < 0 || lim.MaxAcceleration < 0 {
			return fmt.Errorf("%w: joint_limits[%s] must be non-negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

// GetRate returns the loop rate in Hz. Zero means "derive from the checker".
func (c *SafetyConfig) GetRate() float64 {
	if c.Rate == nil {
		return 0
	}
	return *c.Rate
}

// GetPeriod returns 1/rate as a duration, or 0 when the rate is not yet known.
func (c *SafetyConfig) GetPeriod() time.Duration {
	rate := c.GetRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rate)
}

// GetLookAheadTime returns the collision prediction horizon in seconds.
func (c *SafetyConfig) GetLookAheadTime() float64 {
	if c.LookAheadTime == nil {
		return 2.0
	}
	return *c.LookAheadTime
}

// GetSlowDownTime returns the static slow-down time; 0 selects the dynamic law.
func (c *SafetyConfig) GetSlowDownTime() float64 {
	if c.SlowDownTime == nil {
		return 0
	}
	return *c.SlowDownTime
}

// GetCollisionCheckingDeadline returns the emergency threshold; 0 means 1/rate.
func (c *SafetyConfig) GetCollisionCheckingDeadline() float64 {
	if c.CollisionCheckingDeadline == nil {
		return 0
	}
	return *c.CollisionCheckingDeadline
}

func (c *SafetyConfig) GetAllowReplan() bool {
	return c.AllowReplan != nil && *c.AllowReplan
}

func (c *SafetyConfig) GetDynamicParameterization() bool {
	if c.DynamicParameterization == nil {
		return true
	}
	return *c.DynamicParameterization
}

func (c *SafetyConfig) GetVisualize() bool {
	return c.Visualize != nil && *c.Visualize
}

// GetReplanAnchor returns the replan anchor policy name.
func (c *SafetyConfig) GetReplanAnchor() string {
	if c.ReplanAnchor == nil || *c.ReplanAnchor == "" {
		return AnchorLowerBoundary
	}
	return *c.ReplanAnchor
}

// GetCheckerStep returns the collision checker sampling step in seconds.
func (c *SafetyConfig) GetCheckerStep() float64 {
	if c.CollisionChecker == nil || c.CollisionChecker.Step == nil {
		return 0.1
	}
	return *c.CollisionChecker.Step
}

// GetThreadCount returns the checker thread count; 0 lets the supervisor choose.
func (c *SafetyConfig) GetThreadCount() int {
	if c.CollisionChecker == nil || c.CollisionChecker.ThreadCount == nil {
		return 0
	}
	return *c.CollisionChecker.ThreadCount
}

func (c *SafetyConfig) GetCheckerDistance() bool {
	return c.CollisionChecker != nil && c.CollisionChecker.Distance != nil && *c.CollisionChecker.Distance
}

func (c *SafetyConfig) GetCheckerContinuous() bool {
	return c.CollisionChecker != nil && c.CollisionChecker.Continuous != nil && *c.CollisionChecker.Continuous
}

// GetReplanDeadline returns the replanner time budget in seconds.
func (c *SafetyConfig) GetReplanDeadline() float64 {
	if c.Replanner == nil || c.Replanner.Deadline == nil {
		return 1.0
	}
	return *c.Replanner.Deadline
}

func (c *SafetyConfig) GetPlanner() string {
	if c.Replanner == nil || c.Replanner.Planner == nil {
		return "detour"
	}
	return *c.Replanner.Planner
}

func (c *SafetyConfig) GetPlanningGroup() string {
	if c.Replanner == nil || c.Replanner.Group == nil {
		return "manipulator"
	}
	return *c.Replanner.Group
}

func (c *SafetyConfig) GetTimeParameterization() string {
	if c.Replanner == nil || c.Replanner.TimeParameterization == nil {
		return "minimum_time"
	}
	return *c.Replanner.TimeParameterization
}

// GetPublishFrequency returns the debug publish rate in Hz.
func (c *SafetyConfig) GetPublishFrequency() float64 {
	if c.Visualizer == nil || c.Visualizer.PublishFrequency == nil {
		return 10
	}
	return *c.Visualizer.PublishFrequency
}

// GetVisualizerStep returns the trajectory sampling step for debug output.
func (c *SafetyConfig) GetVisualizerStep() float64 {
	if c.Visualizer == nil || c.Visualizer.Step == nil {
		return 0.1
	}
	return *c.Visualizer.Step
}

func (c *SafetyConfig) GetVisualizerListenAddr() string {
	if c.Visualizer == nil || c.Visualizer.ListenAddr == nil {
		return ""
	}
	return *c.Visualizer.ListenAddr
}

// GetStorePath returns the sqlite path, or "" when recording is disabled.
func (c *SafetyConfig) GetStorePath() string {
	if c.Store == nil || c.Store.Path == nil {
		return ""
	}
	return *c.Store.Path
}

// GetSampleEvery returns how many ticks elapse between recorded scale samples.
func (c *SafetyConfig) GetSampleEvery() int {
	if c.Store == nil || c.Store.SampleEvery == nil {
		return 10
	}
	return *c.Store.SampleEvery
}

// GetJointLimits returns a copy of the joint limit table.
func (c *SafetyConfig) GetJointLimits() trajectory.Limits {
	out := make(trajectory.Limits, len(c.JointLimits))
	for k, v := range c.JointLimits {
		out[k] = v
	}
	return out
}

// WithRate returns a shallow copy of c with Rate replaced.
func (c *SafetyConfig) WithRate(rate float64) *SafetyConfig {
	cp := *c
	cp.Rate = ptrFloat64(rate)
	return &cp
}

// JSON returns the configuration encoded as compact JSON.
func (c *SafetyConfig) JSON() string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}
