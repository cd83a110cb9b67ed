// internal/handler/params.go
package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/carvelabs/cutout-service/internal/engine"
	"github.com/carvelabs/cutout-service/internal/pipeline"
)

// parseOverrides reads the processing parameters from the query string.
// Each field is validated independently; a malformed or out-of-range value
// falls back to the default instead of rejecting the request.
func parseOverrides(c *gin.Context) engine.Overrides {
	var o engine.Overrides

	if t := c.Query("object_type"); t == engine.ObjectTypeObject || t == engine.ObjectTypeHairsLike {
		o.ObjectType = &t
	}

	o.BatchSizeSeg = intParam(c, "batch_size_seg")
	o.BatchSizeMatting = intParam(c, "batch_size_matting")
	o.SegMaskSize = intParam(c, "seg_mask_size")
	o.MattingMaskSize = intParam(c, "matting_mask_size")
	o.TrimapProbThreshold = intParam(c, "trimap_prob_threshold")
	o.TrimapDilation = intParam(c, "trimap_dilation")
	o.TrimapErosionIters = intParam(c, "trimap_erosion_iters")

	switch c.Query("fp16") {
	case "0":
		f := false
		o.FP16 = &f
	case "1":
		f := true
		o.FP16 = &f
	}

	return o
}

// parsePostConfig reads the post-processing controls. These do not affect
// the engine pool key. Malformed values fall back to zero (disabled);
// out-of-range values are clamped by the pipeline.
func parsePostConfig(c *gin.Context) pipeline.PostConfig {
	var p pipeline.PostConfig
	if v, err := strconv.ParseFloat(c.DefaultQuery("feather_radius", "0"), 64); err == nil {
		p.FeatherRadius = v
	}
	if v, err := strconv.Atoi(c.DefaultQuery("alpha_threshold", "0")); err == nil {
		p.AlphaThreshold = v
	}
	return p
}

func intParam(c *gin.Context, name string) *int {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil // Ignore invalid values
	}
	return &v
}
