// internal/engine/config_test.go
package engine

import (
	"testing"
)

const defaultKey = "batch_size_matting=2;batch_size_seg=6;fp16=false;matting_mask_size=2048;" +
	"object_type=hairs-like;seg_mask_size=640;trimap_dilation=30;trimap_erosion_iters=5;" +
	"trimap_prob_threshold=231"

func TestConfigKeyCanonical(t *testing.T) {
	key := DefaultConfig().Key()
	if key != defaultKey {
		t.Errorf("Default key = %q, expected %q", key, defaultKey)
	}
}

func TestConfigKeyIndependentOfAssemblyOrder(t *testing.T) {
	// Build semantically equal configs through different paths: literal,
	// default, and field-by-field merges applied in different orders.
	literal := Config{
		ObjectType:          ObjectTypeHairsLike,
		BatchSizeSeg:        6,
		BatchSizeMatting:    2,
		SegMaskSize:         640,
		MattingMaskSize:     2048,
		TrimapProbThreshold: 231,
		TrimapDilation:      30,
		TrimapErosionIters:  5,
	}

	dilation := 12
	threshold := 200

	ab := DefaultConfig().
		Merge(Overrides{TrimapDilation: &dilation}).
		Merge(Overrides{TrimapProbThreshold: &threshold})
	ba := DefaultConfig().
		Merge(Overrides{TrimapProbThreshold: &threshold}).
		Merge(Overrides{TrimapDilation: &dilation})

	if literal.Key() != DefaultConfig().Key() {
		t.Errorf("Equal configs produced different keys: %q vs %q", literal.Key(), DefaultConfig().Key())
	}
	if ab.Key() != ba.Key() {
		t.Errorf("Merge order changed the key: %q vs %q", ab.Key(), ba.Key())
	}
}

func TestConfigKeyDistinguishesValues(t *testing.T) {
	a := DefaultConfig()
	b := a
	b.TrimapProbThreshold = 100
	if a.Key() == b.Key() {
		t.Error("Configs with different thresholds produced the same key")
	}

	c := a
	c.FP16 = true
	if a.Key() == c.Key() {
		t.Error("Configs with different fp16 produced the same key")
	}
}

func TestMergeAppliesValidFields(t *testing.T) {
	objectType := ObjectTypeObject
	batch := 4
	fp16 := true
	cfg := DefaultConfig().Merge(Overrides{
		ObjectType:   &objectType,
		BatchSizeSeg: &batch,
		FP16:         &fp16,
	})

	if cfg.ObjectType != ObjectTypeObject {
		t.Errorf("ObjectType = %q, expected %q", cfg.ObjectType, ObjectTypeObject)
	}
	if cfg.BatchSizeSeg != 4 {
		t.Errorf("BatchSizeSeg = %d, expected 4", cfg.BatchSizeSeg)
	}
	if !cfg.FP16 {
		t.Error("FP16 not applied")
	}
	// Untouched fields keep defaults
	if cfg.MattingMaskSize != 2048 {
		t.Errorf("MattingMaskSize = %d, expected 2048", cfg.MattingMaskSize)
	}
}

func TestMergeIgnoresInvalidFields(t *testing.T) {
	badType := "blurry"
	badBatch := 0
	badThreshold := 300
	negDilation := -1
	cfg := DefaultConfig().Merge(Overrides{
		ObjectType:          &badType,
		BatchSizeSeg:        &badBatch,
		TrimapProbThreshold: &badThreshold,
		TrimapDilation:      &negDilation,
	})

	if cfg != DefaultConfig() {
		t.Errorf("Invalid overrides changed the config: %+v", cfg)
	}
}

func TestOverridesEmpty(t *testing.T) {
	if !(Overrides{}).Empty() {
		t.Error("Zero Overrides should be empty")
	}
	v := 1
	if (Overrides{TrimapDilation: &v}).Empty() {
		t.Error("Overrides with a set field should not be empty")
	}
}
