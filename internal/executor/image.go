package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axiomengine/axiom-workers/internal/engine"
	"github.com/axiomengine/axiom-workers/internal/workflow"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

const defaultImageHardLimit = 10 * time.Minute

// imageWorkflows maps a model name to its text-to-image template.
var imageWorkflows = map[string]string{
	"sdxl":       "sdxl_txt2img",
	"sd15":       "sd15_txt2img",
	"sdxl_turbo": "sdxl_turbo_txt2img",
	"flux":       "flux_txt2img",
}

type imageExecutor struct {
	eng     Engine
	builder *workflow.Builder
	store   Storage
	hard    time.Duration
	soft    time.Duration
}

// NewImageExecutor builds still images. hardLimit <= 0 selects the default.
func NewImageExecutor(eng Engine, builder *workflow.Builder, store Storage, hardLimit time.Duration) Executor {
	if hardLimit <= 0 {
		hardLimit = defaultImageHardLimit
	}
	soft := hardLimit - time.Minute
	if soft <= 0 {
		soft = hardLimit
	}
	return &imageExecutor{eng: eng, builder: builder, store: store, hard: hardLimit, soft: soft}
}

func (e *imageExecutor) Type() domain.JobType     { return domain.JobTypeImage }
func (e *imageExecutor) HardLimit() time.Duration { return e.hard }
func (e *imageExecutor) SoftLimit() time.Duration { return e.soft }

func (e *imageExecutor) Execute(ctx context.Context, req *domain.JobRequest, progress func(int)) ([]domain.Artifact, error) {
	p := req.Parameters
	if p == nil {
		p = map[string]any{}
	}

	width := paramInt(p, "width", 1024, 256, 2048)
	height := paramInt(p, "height", 1024, 256, 2048)
	steps := paramInt(p, "num_inference_steps", 30, 1, 100)
	guidance := paramFloat(p, "guidance_scale", 7.5, 1.0, 20.0)
	model := paramString(p, "model", "sdxl")
	scheduler := paramString(p, "scheduler", "euler")
	numImages := paramInt(p, "num_images", 1, 1, 4)
	negative := req.NegativePrompt
	if negative == "" {
		negative = paramString(p, "negative_prompt", "")
	}

	progress(5)

	params := map[string]any{
		"prompt":          req.Prompt,
		"negative_prompt": negative,
		"width":           width,
		"height":          height,
		"steps":           steps,
		"cfg_scale":       guidance,
		"seed":            seedParam(p),
		"scheduler":       scheduler,
		"batch_size":      numImages,
	}

	name := imageWorkflows["sdxl"]
	if req.HasSourceImage() {
		name = "sdxl_img2img"
		params["strength"] = paramFloat(p, "strength", 0.75, 0.0, 1.0)
		ref, err := uploadSource(ctx, e.eng, e.store, req)
		if err != nil {
			return nil, err
		}
		params["input_image"] = ref.Name
	} else if wf, ok := imageWorkflows[model]; ok {
		name = wf
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

	progress(90)

	artifacts := make([]domain.Artifact, 0, len(outputs))
	for i, out := range outputs {
		filename := fmt.Sprintf("image_%d.png", i+1)
		path, err := e.store.Store(req.UserID, req.ProjectID, req.ID, filename, out.Data)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, domain.Artifact{
			AssetID:     uuid.NewString(),
			JobID:       req.ID,
			Type:        domain.JobTypeImage,
			StoragePath: path,
			Filename:    filename,
			MimeType:    "image/png",
			FileSize:    int64(len(out.Data)),
			Width:       width,
			Height:      height,
			Metadata: map[string]any{
				"model":          model,
				"prompt":         req.Prompt,
				"negativePrompt": negative,
				"seed":           seedParam(p),
				"steps":          steps,
				"guidanceScale":  guidance,
				"scheduler":      scheduler,
			},
		})
	}
	return artifacts, nil
}

// uploadSource pulls the job's source image from storage and stages it as an
// engine input.
func uploadSource(ctx context.Context, eng Engine, store Storage, req *domain.JobRequest) (*engine.OutputRef, error) {
	srcPath, _ := req.Parameters[domain.SourceImageParam].(string)
	if srcPath == "" {
		return nil, domain.Validationf("%s must be a non-empty string", domain.SourceImageParam)
	}
	data, err := store.Retrieve(srcPath)
	if err != nil {
		return nil, fmt.Errorf("retrieve source image: %w", err)
	}
	ref, err := eng.UploadInput(ctx, data, fmt.Sprintf("input_%s.png", req.ID), "")
	if err != nil {
		return nil, fmt.Errorf("upload source image: %w", err)
	}
	return ref, nil
}
