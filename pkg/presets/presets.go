// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package presets holds the motion prompts for the final video stage of the
// fashion pipeline. Clients pick a preset by id; unknown ids fall back to
// the default so an outdated client never fails a job over a prompt.
package presets

import "sort"

// Preset is one canned motion prompt.
type Preset struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Prompt      string `json:"prompt"`
	DurationSec int    `json:"duration_sec"`
	AspectRatio string `json:"aspect_ratio"`
}

// DefaultID is used when a job names no preset or an unknown one.
const DefaultID = "studio_turn"

var catalog = map[string]Preset{
	"studio_turn": {
		ID:          "studio_turn",
		Name:        "Studio turn",
		Prompt:      "The model stands in a bright studio and slowly turns in place, showing the outfit from the front, side and back. Soft even lighting, fixed camera, no zoom.",
		DurationSec: 8,
		AspectRatio: "9:16",
	},
	"runway_walk": {
		ID:          "runway_walk",
		Name:        "Runway walk",
		Prompt:      "The model walks toward the camera down a minimalist runway with confident strides, pauses, and strikes a pose. Fashion show lighting, slight low-angle camera.",
		DurationSec: 8,
		AspectRatio: "9:16",
	},
	"street_style": {
		ID:          "street_style",
		Name:        "Street style",
		Prompt:      "The model walks casually along a city sidewalk at golden hour, glancing at the camera. Handheld tracking shot, shallow depth of field, natural motion.",
		DurationSec: 8,
		AspectRatio: "9:16",
	},
	"editorial_spin": {
		ID:          "editorial_spin",
		Name:        "Editorial spin",
		Prompt:      "The model spins once with the garment flowing, then holds an editorial pose. High-contrast studio lighting on a seamless background, fixed camera.",
		DurationSec: 6,
		AspectRatio: "9:16",
	},
	"close_up_detail": {
		ID:          "close_up_detail",
		Name:        "Close-up detail",
		Prompt:      "Slow camera pan from the garment's fabric texture up to the model's face. Macro-like detail on stitching and material, soft key light.",
		DurationSec: 6,
		AspectRatio: "9:16",
	},
	"seasonal_outdoor": {
		ID:          "seasonal_outdoor",
		Name:        "Seasonal outdoor",
		Prompt:      "The model stands in an open outdoor scene matching the season of the outfit, hair and fabric moving gently in the wind. Wide shot slowly pushing in.",
		DurationSec: 8,
		AspectRatio: "16:9",
	},
}

// Get returns the preset for id, or the default preset when id is empty or
// unknown.
func Get(id string) Preset {
	if p, ok := catalog[id]; ok {
		return p
	}
	return catalog[DefaultID]
}

// Known reports whether id names a real preset.
func Known(id string) bool {
	_, ok := catalog[id]
	return ok
}

// IDs lists the catalog in stable order.
func IDs() []string {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
