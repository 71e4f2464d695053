package storyboard

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/batch"
)

const (
	DefaultSeed           = 19930711
	DefaultKeyframeStyle  = "realistic cinematic look, 8K"
	DefaultNegativePrompt = "blurry, low quality, worst quality, jpeg artifacts, signature, watermark"

	placeholderFrame  = "[placeholder] keyframe generation failed, to be filled in."
	placeholderPrompt = "placeholder frame; do not use for final rendering"
)

func keyframeDefaults() map[string]any {
	return map[string]any{
		"frame_idx":       1,
		"frame":           "",
		"style":           DefaultKeyframeStyle,
		"isMaincharacter": 0,
		"charactId":       "",
		"isMainScene":     0,
		"sceneId":         "",
		"text":            "",
		"sfx":             []any{},
		"prompt":          "",
		"nprompt":         DefaultNegativePrompt,
		"promptv":         "",
		"seed":            DefaultSeed,
	}
}

// NormalizeKeyframe fills every missing keyframe field with its default and
// coerces frame_idx to a positive integer.
func NormalizeKeyframe(kf map[string]any) map[string]any {
	out := keyframeDefaults()
	maps.Copy(out, kf)
	out["frame_idx"] = FrameIndex(out)
	return out
}

// FrameIndex reads frame_idx, treating anything unusable as 1.
func FrameIndex(kf map[string]any) int {
	var n int
	switch v := kf["frame_idx"].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			n = int(v)
		}
	case string:
		n, _ = strconv.Atoi(strings.TrimSpace(v))
	}
	if n == 0 {
		return 1
	}
	return n
}

// PlaceholderFromShot is the stand-in keyframe for a shot the model never
// covered. It keeps the shot's continuity fields.
func PlaceholderFromShot(shot map[string]any) map[string]any {
	sid := "SXXX"
	if v, ok := shot["shot_id"]; ok && v != nil {
		sid = fmt.Sprint(v)
	}
	promptv, ok := shot["promptv"]
	if !ok {
		promptv = shot["action"]
		if promptv == nil {
			promptv = ""
		}
	}
	seed, ok := shot["seed"]
	if !ok {
		seed = DefaultSeed
	}
	return NormalizeKeyframe(map[string]any{
		"shot_id":   sid,
		"frame_idx": 1,
		"frame":     placeholderFrame,
		"prompt":    placeholderPrompt,
		"promptv":   promptv,
		"seed":      seed,
	})
}

// ShotItems turns round 1 shots into batch work items. Shots without a
// shot_id get S001, S002, ... by position.
func ShotItems(shots []map[string]any) []batch.WorkItem {
	items := make([]batch.WorkItem, 0, len(shots))
	for i, shot := range shots {
		payload := maps.Clone(shot)
		if payload == nil {
			payload = map[string]any{}
		}
		id := ""
		if v, ok := payload["shot_id"]; ok && v != nil {
			id = strings.TrimSpace(fmt.Sprint(v))
		}
		if id == "" {
			id = fmt.Sprintf("S%03d", i+1)
		}
		payload["shot_id"] = id
		items = append(items, batch.WorkItem{ID: id, Payload: payload})
	}
	return items
}
