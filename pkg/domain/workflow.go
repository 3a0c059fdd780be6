package domain

import (
	"encoding/json"
	"time"
)

// WorkflowNode is one node of a generation graph.
type WorkflowNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Workflow is a named graph of generation nodes keyed by node id.
type Workflow map[string]WorkflowNode

// Node ids of the default Flux graph.
const (
	NodeLatent    = "5"
	NodePositive  = "6"
	NodeNegative  = "7"
	NodeSampler   = "13"
	NodeDecode    = "8"
	NodeSave      = "9"
	NodeModel     = "12"
	NodeClip      = "11"
	NodeVAE       = "10"
	NodeScheduler = "17"
	NodeNoise     = "25"
	NodeGuidance  = "26"
)

type WorkflowParams struct {
	Prompt         string  `json:"prompt" yaml:"prompt"`
	NegativePrompt string  `json:"negativePrompt,omitempty" yaml:"negativePrompt"`
	Steps          int     `json:"steps,omitempty" yaml:"steps"`
	Width          int     `json:"width,omitempty" yaml:"width"`
	Height         int     `json:"height,omitempty" yaml:"height"`
	Seed           int64   `json:"seed,omitempty" yaml:"seed"`
	Guidance       float64 `json:"guidance,omitempty" yaml:"guidance"`
}

// WithDefaults fills zero fields from def.
func (p WorkflowParams) WithDefaults(def WorkflowParams) WorkflowParams {
	if p.Steps <= 0 {
		p.Steps = def.Steps
	}
	if p.Width <= 0 {
		p.Width = def.Width
	}
	if p.Height <= 0 {
		p.Height = def.Height
	}
	if p.Guidance <= 0 {
		p.Guidance = def.Guidance
	}
	if p.NegativePrompt == "" {
		p.NegativePrompt = def.NegativePrompt
	}
	if p.Steps <= 0 {
		p.Steps = 20
	}
	if p.Width <= 0 {
		p.Width = 1024
	}
	if p.Height <= 0 {
		p.Height = 1024
	}
	if p.Guidance <= 0 {
		p.Guidance = 3.5
	}
	return p
}

// DefaultWorkflow returns a fresh copy of the Flux text-to-image graph.
func DefaultWorkflow() Workflow {
	return Workflow{
		NodeModel:     {ClassType: "UNETLoader", Inputs: map[string]any{"unet_name": "flux1-dev.safetensors", "weight_dtype": "default"}},
		NodeClip:      {ClassType: "DualCLIPLoader", Inputs: map[string]any{"clip_name1": "t5xxl_fp8_e4m3fn.safetensors", "clip_name2": "clip_l.safetensors", "type": "flux"}},
		NodeVAE:       {ClassType: "VAELoader", Inputs: map[string]any{"vae_name": "ae.safetensors"}},
		NodeLatent:    {ClassType: "EmptyLatentImage", Inputs: map[string]any{"width": 1024, "height": 1024, "batch_size": 1}},
		NodePositive:  {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{NodeClip, 0}}},
		NodeNegative:  {ClassType: "CLIPTextEncode", Inputs: map[string]any{"text": "", "clip": []any{NodeClip, 0}}},
		NodeGuidance:  {ClassType: "FluxGuidance", Inputs: map[string]any{"guidance": 3.5, "conditioning": []any{NodePositive, 0}}},
		NodeNoise:     {ClassType: "RandomNoise", Inputs: map[string]any{"noise_seed": 0}},
		NodeScheduler: {ClassType: "BasicScheduler", Inputs: map[string]any{"scheduler": "simple", "steps": 20, "denoise": 1, "model": []any{NodeModel, 0}}},
		NodeSampler: {ClassType: "SamplerCustomAdvanced", Inputs: map[string]any{
			"noise":        []any{NodeNoise, 0},
			"guider":       []any{NodeGuidance, 0},
			"sigmas":       []any{NodeScheduler, 0},
			"latent_image": []any{NodeLatent, 0},
		}},
		NodeDecode: {ClassType: "VAEDecode", Inputs: map[string]any{"samples": []any{NodeSampler, 0}, "vae": []any{NodeVAE, 0}}},
		NodeSave:   {ClassType: "SaveImage", Inputs: map[string]any{"filename_prefix": "podflow", "images": []any{NodeDecode, 0}}},
	}
}

// Apply writes the parameters into a copy of w. A non-positive seed is
// replaced with one derived from now.
func (p WorkflowParams) Apply(w Workflow, now time.Time) Workflow {
	out := w.Clone()
	set := func(node, key string, v any) {
		n, ok := out[node]
		if !ok {
			return
		}
		n.Inputs[key] = v
		out[node] = n
	}
	seed := p.Seed
	if seed <= 0 {
		seed = now.Unix()
	}
	set(NodePositive, "text", p.Prompt)
	set(NodeNegative, "text", p.NegativePrompt)
	set(NodeScheduler, "steps", p.Steps)
	set(NodeLatent, "width", p.Width)
	set(NodeLatent, "height", p.Height)
	set(NodeNoise, "noise_seed", seed)
	set(NodeGuidance, "guidance", p.Guidance)
	return out
}

// Clone deep-copies the graph through JSON so nested inputs are not shared.
func (w Workflow) Clone() Workflow {
	b, err := json.Marshal(w)
	if err != nil {
		return Workflow{}
	}
	var out Workflow
	if err := json.Unmarshal(b, &out); err != nil {
		return Workflow{}
	}
	return out
}
