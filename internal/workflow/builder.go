package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Target names one node input a logical parameter lands on. Node is matched
// by display title or class type; Input may be a dot-separated path for nodes
// that nest their inputs.
type Target struct {
	Node  string
	Input string
}

// defaultMappings routes logical parameter names to their graph targets.
// A logical name may fan out to several targets; every match in the template
// is updated.
var defaultMappings = map[string][]Target{
	"prompt": {
		{"positive_prompt", "text"},
		{"CLIPTextEncode", "text"},
	},
	"negative_prompt": {
		{"negative_prompt", "text"},
	},

	"width": {
		{"EmptyLatentImage", "width"},
	},
	"height": {
		{"EmptyLatentImage", "height"},
	},
	"batch_size": {
		{"EmptyLatentImage", "batch_size"},
	},

	"seed": {
		{"KSampler", "seed"},
	},
	"steps": {
		{"KSampler", "steps"},
	},
	"cfg_scale": {
		{"KSampler", "cfg"},
	},
	"scheduler": {
		{"KSampler", "scheduler"},
	},
	"sampler": {
		{"KSampler", "sampler_name"},
	},
	"sampler_name": {
		{"KSampler", "sampler_name"},
	},
	"denoise": {
		{"KSampler", "denoise"},
	},

	"frame_count": {
		{"SVD_img2vid_Conditioning", "video_frames"},
	},
	"num_frames": {
		{"SVD_img2vid_Conditioning", "video_frames"},
	},
	"fps": {
		{"VHS_VideoCombine", "frame_rate"},
	},
	"motion_strength": {
		{"SVD_img2vid_Conditioning", "motion_bucket_id"},
	},
	"motion_bucket_id": {
		{"SVD_img2vid_Conditioning", "motion_bucket_id"},
	},

	"input_image": {
		{"LoadImage", "image"},
	},
	"strength": {
		{"KSampler", "denoise"},
	},

	"resolution": {
		{"TripoSRSampler", "resolution"},
	},
	"threshold": {
		{"TripoSRSampler", "threshold"},
	},
	"remove_background": {
		{"ImageRemoveBackground", "enabled"},
	},

	"checkpoint": {
		{"CheckpointLoaderSimple", "ckpt_name"},
		{"Load Checkpoint", "ckpt_name"},
	},
}

// Builder loads named graph templates from disk, caches them, and produces
// parameterized deep copies. Safe for concurrent use.
type Builder struct {
	dir      string
	mappings map[string][]Target

	mu    sync.RWMutex
	cache map[string]Graph
}

// NewBuilder returns a builder reading templates from dir. extraMappings are
// merged over the defaults, replacing per logical name.
func NewBuilder(dir string, extraMappings map[string][]Target) *Builder {
	mappings := make(map[string][]Target, len(defaultMappings)+len(extraMappings))
	for k, v := range defaultMappings {
		mappings[k] = v
	}
	for k, v := range extraMappings {
		mappings[k] = v
	}
	return &Builder{
		dir:      dir,
		mappings: mappings,
		cache:    make(map[string]Graph),
	}
}

// Template returns the cached read-only template, loading it on first use.
func (b *Builder) Template(name string) (Graph, error) {
	b.mu.RLock()
	g, ok := b.cache[name]
	b.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := b.loadTemplate(name)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cache[name] = g
	b.mu.Unlock()
	return g, nil
}

func (b *Builder) loadTemplate(name string) (Graph, error) {
	candidates := []string{
		filepath.Join(b.dir, name+".json"),
		filepath.Join(b.dir, name, "workflow.json"),
	}
	var data []byte
	var err error
	for _, path := range candidates {
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("workflow template %q not found under %s", name, b.dir)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("workflow template %q: %w", name, err)
	}
	return g, nil
}

// Build returns a fresh deep copy of the named template with params injected
// at their mapped node inputs. Unknown parameter names are ignored, as are
// targets absent from this particular template.
func (b *Builder) Build(name string, params map[string]any) (Graph, error) {
	tmpl, err := b.Template(name)
	if err != nil {
		return nil, err
	}
	g, err := tmpl.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone template %q: %w", name, err)
	}

	for param, value := range params {
		if value == nil {
			continue
		}
		for _, target := range b.mappings[param] {
			setGraphInput(g, target, value)
		}
	}
	return g, nil
}

func setGraphInput(g Graph, target Target, value any) bool {
	path := strings.Split(target.Input, ".")
	found := false
	for _, node := range g {
		if node == nil || !node.matches(target.Node) {
			continue
		}
		if node.setInput(path, value) {
			found = true
		}
	}
	return found
}
