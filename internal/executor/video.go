package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axiomengine/axiom-workers/internal/workflow"
	"github.com/axiomengine/axiom-workers/pkg/domain"
)

// Video runs longer than images; the limits reflect that.
const defaultVideoHardLimit = 21 * time.Minute

var img2vidWorkflows = map[string]string{
	"svd":    "svd_img2vid",
	"svd_xt": "svd_xt_img2vid",
}

var txt2vidWorkflows = map[string]string{
	"mochi":       "mochi_txt2vid",
	"cogvideo":    "cogvideo_txt2vid",
	"animatediff": "animatediff_txt2vid",
}

type videoExecutor struct {
	eng     Engine
	builder *workflow.Builder
	store   Storage
	hard    time.Duration
	soft    time.Duration
}

func NewVideoExecutor(eng Engine, builder *workflow.Builder, store Storage, hardLimit time.Duration) Executor {
	if hardLimit <= 0 {
		hardLimit = defaultVideoHardLimit
	}
	soft := hardLimit - time.Minute
	if soft <= 0 {
		soft = hardLimit
	}
	return &videoExecutor{eng: eng, builder: builder, store: store, hard: hardLimit, soft: soft}
}

func (e *videoExecutor) Type() domain.JobType     { return domain.JobTypeVideo }
func (e *videoExecutor) HardLimit() time.Duration { return e.hard }
func (e *videoExecutor) SoftLimit() time.Duration { return e.soft }

func (e *videoExecutor) Execute(ctx context.Context, req *domain.JobRequest, progress func(int)) ([]domain.Artifact, error) {
	p := req.Parameters
	if p == nil {
		p = map[string]any{}
	}

	width := paramInt(p, "width", 1024, 256, 2048)
	height := paramInt(p, "height", 576, 256, 1080)
	numFrames := paramInt(p, "num_frames", 24, 8, 720)
	fps := paramInt(p, "fps", 24, 8, 60)
	motion := paramInt(p, "motion_bucket_id", 127, 1, 255)
	model := paramString(p, "model", "svd")
	seed := seedParam(p)

	progress(5)

	var name string
	var params map[string]any
	if req.HasSourceImage() {
		name = img2vidWorkflows["svd"]
		if wf, ok := img2vidWorkflows[model]; ok {
			name = wf
		}
		ref, err := uploadSource(ctx, e.eng, e.store, req)
		if err != nil {
			return nil, err
		}
		params = map[string]any{
			"input_image":      ref.Name,
			"width":            width,
			"height":           height,
			"num_frames":       numFrames,
			"fps":              fps,
			"motion_bucket_id": motion,
			"seed":             seed,
		}
	} else {
		name = txt2vidWorkflows["mochi"]
		if wf, ok := txt2vidWorkflows[model]; ok {
			name = wf
		}
		negative := req.NegativePrompt
		if negative == "" {
			negative = paramString(p, "negative_prompt", "")
		}
		params = map[string]any{
			"prompt":          req.Prompt,
			"negative_prompt": negative,
			"width":           width,
			"height":          height,
			"num_frames":      numFrames,
			"fps":             fps,
			"seed":            seed,
			"cfg_scale":       paramFloat(p, "guidance_scale", 7.0, 1.0, 20.0),
		}
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

	duration := float64(numFrames) / float64(fps)
	artifacts := make([]domain.Artifact, 0, len(outputs))
	for i, out := range outputs {
		filename := fmt.Sprintf("video_%d.mp4", i+1)
		path, err := e.store.Store(req.UserID, req.ProjectID, req.ID, filename, out.Data)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, domain.Artifact{
			AssetID:     uuid.NewString(),
			JobID:       req.ID,
			Type:        domain.JobTypeVideo,
			StoragePath: path,
			Filename:    filename,
			MimeType:    "video/mp4",
			FileSize:    int64(len(out.Data)),
			Width:       width,
			Height:      height,
			Duration:    duration,
			Metadata: map[string]any{
				"model":          model,
				"prompt":         req.Prompt,
				"numFrames":      numFrames,
				"fps":            fps,
				"motionBucketId": motion,
				"seed":           seed,
			},
		})
	}
	return artifacts, nil
}
