// internal/engine/config.go
package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Object types accepted by the segmentation stage. "hairs-like" produces a
// more aggressive cutout suited to hair and fur edges.
const (
	ObjectTypeObject    = "object"
	ObjectTypeHairsLike = "hairs-like"
)

// Config holds every parameter that affects engine construction. Two equal
// Configs are interchangeable: they map to the same pool entry.
type Config struct {
	ObjectType          string
	BatchSizeSeg        int
	BatchSizeMatting    int
	SegMaskSize         int
	MattingMaskSize     int
	TrimapProbThreshold int
	TrimapDilation      int
	TrimapErosionIters  int
	FP16                bool
}

// DefaultConfig returns the tuned defaults. SegMaskSize 640 matches the
// Tracer-B7 segmentation input.
func DefaultConfig() Config {
	return Config{
		ObjectType:          ObjectTypeHairsLike,
		BatchSizeSeg:        6,
		BatchSizeMatting:    2,
		SegMaskSize:         640,
		MattingMaskSize:     2048,
		TrimapProbThreshold: 231,
		TrimapDilation:      30,
		TrimapErosionIters:  5,
		FP16:                false,
	}
}

// Overrides is a partial Config. Nil fields keep the base value. Invalid
// values are ignored rather than rejected, so a malformed request parameter
// degrades to the default instead of failing the request.
type Overrides struct {
	ObjectType          *string
	BatchSizeSeg        *int
	BatchSizeMatting    *int
	SegMaskSize         *int
	MattingMaskSize     *int
	TrimapProbThreshold *int
	TrimapDilation      *int
	TrimapErosionIters  *int
	FP16                *bool
}

// Empty reports whether no field is set.
func (o Overrides) Empty() bool {
	return o.ObjectType == nil && o.BatchSizeSeg == nil && o.BatchSizeMatting == nil &&
		o.SegMaskSize == nil && o.MattingMaskSize == nil && o.TrimapProbThreshold == nil &&
		o.TrimapDilation == nil && o.TrimapErosionIters == nil && o.FP16 == nil
}

// Merge overlays o onto c, validating each field independently.
func (c Config) Merge(o Overrides) Config {
	if o.ObjectType != nil {
		if t := *o.ObjectType; t == ObjectTypeObject || t == ObjectTypeHairsLike {
			c.ObjectType = t
		}
	}
	if o.BatchSizeSeg != nil && *o.BatchSizeSeg > 0 {
		c.BatchSizeSeg = *o.BatchSizeSeg
	}
	if o.BatchSizeMatting != nil && *o.BatchSizeMatting > 0 {
		c.BatchSizeMatting = *o.BatchSizeMatting
	}
	if o.SegMaskSize != nil && *o.SegMaskSize > 0 {
		c.SegMaskSize = *o.SegMaskSize
	}
	if o.MattingMaskSize != nil && *o.MattingMaskSize > 0 {
		c.MattingMaskSize = *o.MattingMaskSize
	}
	if o.TrimapProbThreshold != nil && *o.TrimapProbThreshold >= 0 && *o.TrimapProbThreshold <= 255 {
		c.TrimapProbThreshold = *o.TrimapProbThreshold
	}
	if o.TrimapDilation != nil && *o.TrimapDilation >= 0 {
		c.TrimapDilation = *o.TrimapDilation
	}
	if o.TrimapErosionIters != nil && *o.TrimapErosionIters >= 0 {
		c.TrimapErosionIters = *o.TrimapErosionIters
	}
	if o.FP16 != nil {
		c.FP16 = *o.FP16
	}
	return c
}

// Key canonicalizes the config into a deterministic cache key. Fields are
// emitted in sorted name order, so the key is independent of how the config
// was assembled and stays readable in logs and /info output.
func (c Config) Key() string {
	fields := map[string]string{
		"object_type":           c.ObjectType,
		"batch_size_seg":        strconv.Itoa(c.BatchSizeSeg),
		"batch_size_matting":    strconv.Itoa(c.BatchSizeMatting),
		"seg_mask_size":         strconv.Itoa(c.SegMaskSize),
		"matting_mask_size":     strconv.Itoa(c.MattingMaskSize),
		"trimap_prob_threshold": strconv.Itoa(c.TrimapProbThreshold),
		"trimap_dilation":       strconv.Itoa(c.TrimapDilation),
		"trimap_erosion_iters":  strconv.Itoa(c.TrimapErosionIters),
		"fp16":                  strconv.FormatBool(c.FP16),
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s=%s", name, fields[name])
	}
	return b.String()
}
