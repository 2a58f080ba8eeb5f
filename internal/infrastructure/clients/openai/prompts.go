package openai

import (
	"encoding/json"
	"fmt"

	"github.com/rwdstudio/cohortengine/internal/domain/entities"
)

const conceptResolutionSystemPrompt = `You are a clinical terminology research assistant for a real-world-data cohort selection engine. Map the given clinical concept to dataset codes. Return ONLY valid JSON with this schema:
{
  "resolved": boolean (false if no confident mapping exists),
  "code_system": string (one of: ICD10CM, ICD9CM, CPT, HCPCS, NDC, RxNorm, LOINC, SNOMED, local),
  "code_values": string[] (codes; a trailing wildcard prefix like "E11" is allowed for wildcard matching),
  "matching_logic": string (one of: exact, wildcard, hierarchy, ingredient),
  "confidence": string (one of: high, medium, low),
  "alternatives": [
    {"code_system": string, "code_values": string[], "matching_logic": string, "note": string}
  ]
}
Prefer the most specific code set that still captures the full concept. Use "wildcard" with a code prefix for ICD-10 families, "ingredient" for drug classes, "hierarchy" when descendant codes must be included. Never invent codes; set resolved=false when unsure.`

func buildResolveUserPrompt(concept string, domain entities.Domain, codeSystemHint string) string {
	prompt := fmt.Sprintf("Concept: %s\nClinical domain: %s\n", concept, domain)
	if codeSystemHint != "" {
		prompt += fmt.Sprintf("Preferred code system: %s\n", codeSystemHint)
	}
	return prompt
}

func parseResolutionPayload(data []byte) (*entities.ConceptResolution, error) {
	var resolution entities.ConceptResolution
	if err := json.Unmarshal(data, &resolution); err != nil {
		return nil, fmt.Errorf("failed to parse resolution payload: %w", err)
	}

	switch resolution.MatchingLogic {
	case entities.MatchExact, entities.MatchWildcard, entities.MatchHierarchy, entities.MatchIngredient, "":
	default:
		return nil, fmt.Errorf("unknown matching_logic %q", resolution.MatchingLogic)
	}
	if resolution.Resolved && len(resolution.CodeValues) == 0 {
		return nil, fmt.Errorf("resolution marked resolved but has no code values")
	}
	return &resolution, nil
}
