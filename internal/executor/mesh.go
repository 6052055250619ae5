package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axiomengine/axiom-workers/internal/workflow"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

const defaultMeshHardLimit = 16 * time.Minute

// defaultMeshNegative steers the first-stage render towards clean, isolated
// subjects that reconstruct well.
const defaultMeshNegative = "blurry, low quality, distorted, noisy background, complex background"

var meshFormats = map[string]struct {
	ext  string
	mime string
}{
	"glb": {"glb", "model/gltf-binary"},
	"obj": {"obj", "text/plain"},
}

type meshExecutor struct {
	eng     Engine
	builder *workflow.Builder
	store   Storage
	hard    time.Duration
	soft    time.Duration
}

func NewMeshExecutor(eng Engine, builder *workflow.Builder, store Storage, hardLimit time.Duration) Executor {
	if hardLimit <= 0 {
		hardLimit = defaultMeshHardLimit
	}
	soft := hardLimit - time.Minute
	if soft <= 0 {
		soft = hardLimit
	}
	return &meshExecutor{eng: eng, builder: builder, store: store, hard: hardLimit, soft: soft}
}

func (e *meshExecutor) Type() domain.JobType     { return domain.JobTypeMesh }
func (e *meshExecutor) HardLimit() time.Duration { return e.hard }
func (e *meshExecutor) SoftLimit() time.Duration { return e.soft }

func (e *meshExecutor) Execute(ctx context.Context, req *domain.JobRequest, progress func(int)) ([]domain.Artifact, error) {
	p := req.Parameters
	if p == nil {
		p = map[string]any{}
	}

	format := paramString(p, "output_format", "glb")
	fm, ok := meshFormats[format]
	if !ok {
		fm = meshFormats["glb"]
		format = "glb"
	}
	resolution := paramInt(p, "resolution", 256, 128, 512)
	threshold := paramFloat(p, "threshold", 0.5, 0.0, 1.0)
	seed := seedParam(p)

	progress(5)

	params := map[string]any{
		"resolution":        resolution,
		"threshold":         threshold,
		"remove_background": paramBool(p, "remove_background", true),
	}

	var name string
	if req.HasSourceImage() {
		name = "triposr_img2mesh"
		ref, err := uploadSource(ctx, e.eng, e.store, req)
		if err != nil {
			return nil, err
		}
		params["input_image"] = ref.Name
	} else {
		// Two stages: render a reconstruction-friendly image first, then
		// lift it to a mesh.
		name = "triposr_txt2mesh"
		negative := req.NegativePrompt
		if negative == "" {
			negative = paramString(p, "negative_prompt", defaultMeshNegative)
		}
		params["prompt"] = req.Prompt
		params["negative_prompt"] = negative
		params["seed"] = seed
		params["steps"] = paramInt(p, "steps", 30, 1, 100)
		params["cfg_scale"] = paramFloat(p, "cfg_scale", 7.5, 1.0, 20.0)
		params["width"] = paramInt(p, "width", 512, 256, 2048)
		params["height"] = paramInt(p, "height", 512, 256, 2048)
	}

	g, err := e.builder.Build(name, params)
	if err != nil {
		return nil, err
	}

	progress(10)
	id, err := e.eng.Submit(ctx, g)
	if err != nil {
		return nil, err
	}
	outputs, err := e.eng.CollectOutputs(ctx, id, e.soft, func(value, max int) {
		progress(mapEngineProgress(value, max))
	})
	if err != nil {
		return nil, err
	}

	progress(95)

	artifacts := make([]domain.Artifact, 0, len(outputs))
	for i, out := range outputs {
		filename := fmt.Sprintf("model_%d.%s", i+1, fm.ext)
		path, err := e.store.Store(req.UserID, req.ProjectID, req.ID, filename, out.Data)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, domain.Artifact{
			AssetID:     uuid.NewString(),
			JobID:       req.ID,
			Type:        domain.JobTypeMesh,
			StoragePath: path,
			Filename:    filename,
			MimeType:    fm.mime,
			FileSize:    int64(len(out.Data)),
			Metadata: map[string]any{
				"mode":         string(req.Variant()),
				"prompt":       req.Prompt,
				"outputFormat": format,
				"resolution":   resolution,
				"threshold":    threshold,
				"seed":         seed,
			},
		})
	}
	return artifacts, nil
}
