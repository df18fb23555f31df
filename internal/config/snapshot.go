package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thalesfsp/ho"
	"github.com/thalesfsp/ho/tracking"
)

// Snapshot is the launch description stored on a controller task. An agent
// decodes it to run the campaign the task was dispatched with.
type Snapshot struct {
	Project  ProjectConfig  `json:"project"`
	Queues   QueuesConfig   `json:"queues"`
	Campaign CampaignConfig `json:"campaign"`
}

// Snapshot returns the launch-relevant part of c.
func (c *Config) Snapshot() Snapshot {
	s := Snapshot{Project: c.Project, Queues: c.Queues, Campaign: c.Campaign}
	s.Campaign.Parameters = append([]ho.RangeSpec(nil), c.Campaign.Parameters...)
	return s
}

// Encode returns the JSON encoding of s.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a snapshot written by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if len(data) == 0 {
		return s, fmt.Errorf("empty launch snapshot")
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode launch snapshot: %w", err)
	}
	return s, nil
}

// DecodeTask rebuilds the launch request stored on an optimizer task. It
// matches agent.SnapshotDecoder.
func DecodeTask(task *tracking.Task) (ho.LaunchRequest, error) {
	s, err := DecodeSnapshot(task.Config)
	if err != nil {
		return ho.LaunchRequest{}, err
	}
	req, err := s.LaunchRequest(ho.ModeRemote)
	if err != nil {
		return ho.LaunchRequest{}, err
	}
	req.TaskID = task.ID
	return req, nil
}

// LaunchRequest builds the request for mode. The snapshot itself is attached
// so the controller task carries it.
func (s Snapshot) LaunchRequest(mode ho.Mode) (ho.LaunchRequest, error) {
	spec, err := s.Campaign.Spec()
	if err != nil {
		return ho.LaunchRequest{}, err
	}
	spec.TrialQueue = strings.TrimSpace(s.Queues.Trials)

	data, err := s.Encode()
	if err != nil {
		return ho.LaunchRequest{}, err
	}

	return ho.LaunchRequest{
		Project:         s.Project.Project,
		Name:            s.Project.Name,
		Reuse:           s.Project.Reuse,
		Repo:            s.Project.Repo,
		Mode:            mode,
		ControllerQueue: strings.TrimSpace(s.Queues.Controller),
		Campaign:        spec,
		TopK:            s.Campaign.TopK,
		Snapshot:        data,
	}, nil
}

// LaunchRequest builds the request for mode from c.
func (c *Config) LaunchRequest(mode ho.Mode) (ho.LaunchRequest, error) {
	return c.Snapshot().LaunchRequest(mode)
}

// Spec converts the campaign section into a campaign definition. Range
// bounds are not checked here; CampaignSpec.Validate does that.
func (c CampaignConfig) Spec() (ho.CampaignSpec, error) {
	var errs ho.ConfigErrors

	params := make([]ho.Parameter, 0, len(c.Parameters))
	for i, rs := range c.Parameters {
		p, err := rs.Parameter()
		if err != nil {
			errs = append(errs, ho.ConfigError{Field: fmt.Sprintf("campaign.parameters[%d]", i), Message: err.Error()})
			continue
		}
		params = append(params, p)
	}

	optimizer, err := c.Optimizer.config()
	if err != nil {
		errs = append(errs, ho.ConfigError{Field: "campaign.optimizer.acquisition", Message: err.Error()})
	}

	if len(errs) > 0 {
		return ho.CampaignSpec{}, errs
	}

	return ho.CampaignSpec{
		BaseTaskID: strings.TrimSpace(c.BaseTaskID),
		Parameters: params,
		Objective:  c.Objective,
		Policy:     c.Policy,
		Strategy:   c.Strategy,
		Optimizer:  optimizer,
		Seed:       c.Seed,
	}, nil
}

// config returns the sampler settings, or the zero value when nothing is set
// so the sampler picks its defaults.
func (o OptimizerConfig) config() (ho.OptimizationConfig, error) {
	fn, err := ho.LookupAcquisition(o.Acquisition)
	if err != nil {
		return ho.OptimizationConfig{}, err
	}
	if o == (OptimizerConfig{}) {
		return ho.OptimizationConfig{}, nil
	}

	cfg := ho.DefaultConfig()
	if o.InitialSamples > 0 {
		cfg.InitialSamples = o.InitialSamples
	}
	if o.NumCandidates > 0 {
		cfg.NumCandidates = o.NumCandidates
	}
	if fn != nil {
		cfg.AcquisitionFunc = fn
	}
	if o.Beta > 0 {
		cfg.AcqParams.Beta = o.Beta
	}
	if o.Xi > 0 {
		cfg.AcqParams.Xi = o.Xi
	}
	cfg.KernelWidth = o.KernelWidth
	return cfg, nil
}
