package extraction

import (
	"fmt"
	"strings"
)

// Mode selects how much prompt budget a classification call spends. The
// visibility stage shares one compact prompt across modes.
type Mode string

const (
	ModeDetailed Mode = "detailed"
	ModeMinimal  Mode = "minimal"
)

func resolveMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeMinimal:
		return ModeMinimal
	case ModeDetailed:
		return ModeDetailed
	default:
		return ModeDetailed
	}
}

func classificationPrompt(mode Mode, materialType string) string {
	if mode == ModeMinimal {
		return fmt.Sprintf(minimalClassificationPrompt, materialType)
	}
	return fmt.Sprintf(detailedClassificationPrompt, materialType)
}

func signalsForMode(mode Mode) map[string]struct{} {
	if mode == ModeMinimal {
		return minimalSignals
	}
	return detailedSignals
}

var detailedSignals = map[string]struct{}{
	"hazardous_items":     {},
	"electronics":         {},
	"organics":            {},
	"recyclables":         {},
	"liquids":             {},
	"medical_waste":       {},
	"construction_debris": {},
	"textiles":            {},
	"glass":               {},
	"oversized_items":     {},
}

var minimalSignals = map[string]struct{}{
	"hazardous_items": {},
	"electronics":     {},
	"organics":        {},
	"liquids":         {},
}

const visibilityPrompt = `You are screening a waste container photograph before a compliance audit. Judge how much of the contents can actually be assessed.

- "clear": the contents are open to view and most items are identifiable.
- "partially_visible": some items are identifiable but bags, other items or the framing hide a meaningful part of the load.
- "opaque": a closed lid, opaque bags covering everything, darkness, glare or blur make the contents unreadable.

Respond with a single JSON object and nothing else:
{"visibility": "clear" | "partially_visible" | "opaque", "confidence": <0..1>}`

const detailedClassificationPrompt = `You are auditing household waste collections for stream compliance. The photograph shows the contents of a container collected as the "%[1]s" stream. Examine the entire frame systematically: start at the center, then sweep the edges, the corners and the gaps between bags, where small items settle.

Report an observation for every category below that is visibly present. Do not report a category on suspicion alone; base every observation on something identifiable in the photo.

Observation categories:
1. hazardous_items: batteries and button cells, paint tins, solvent or chemical containers, pesticide packaging, aerosol cans, motor oil, gas canisters.
2. electronics: phones, chargers, cables, small appliances, circuit boards, power tools, anything with a plug, cord or battery compartment.
3. organics: food scraps, peelings, garden and green waste, soiled paper towels, compostable bags with contents.
4. recyclables: clean paper and cardboard, rigid plastic packaging, metal cans and tins, beverage cartons.
5. liquids: bottles or containers still holding liquid, pooled liquid, saturated contents.
6. medical_waste: syringes and sharps, blister packs, pill bottles, dressings, sanitary or clinical items.
7. construction_debris: rubble, bricks, tiles, timber offcuts, plasterboard, insulation, cement bags.
8. textiles: clothing, shoes, bedding, curtains, fabric offcuts.
9. glass: bottles, jars, drinking glasses, window panes, broken shards.
10. oversized_items: objects clearly too large for the container, lids forced open by the contents.

Small-object heuristics: batteries, button cells, disposable vapes and loose cords are the highest-risk finds and also the easiest to miss. Look for their characteristic shapes along bag folds and the container rim before concluding the load is clean. A single small hazardous item is still an observation.

Partial occlusion: when bags or larger items hide part of the load, report only what is visible and lower your confidence accordingly; never infer hidden contents.

For each observation give a confidence between 0 and 1 for how certain you are the item is present, and a note of at most twelve words naming what you saw. Give an overall confidence for your reading of the photo as a whole.

Respond with a single JSON object and nothing else:
{"observations": [{"signal": "<category>", "confidence": <0..1>, "note": "<what you saw>"}], "confidence": <0..1>}

Use an empty observations array when nothing from the list is present.`

const minimalClassificationPrompt = `The photograph shows the contents of a container collected as the "%[1]s" waste stream. Check the photo for exactly these four problems:

1. hazardous_items: batteries, paint, chemicals, aerosols, oil.
2. electronics: anything with a plug, cord or battery.
3. organics: food scraps or garden waste.
4. liquids: containers still holding liquid, pooled liquid.

Check the gaps between bags and the container rim as well as the center of the frame; small batteries and cords hide there. Report only what is visibly present, never what might be underneath.

For each finding give a confidence between 0 and 1 and a note of at most twelve words naming what you saw. Give an overall confidence for the photo.

Respond with a single JSON object and nothing else:
{"observations": [{"signal": "<category>", "confidence": <0..1>, "note": "<what you saw>"}], "confidence": <0..1>}

Use an empty observations array when none of the four are present.`
