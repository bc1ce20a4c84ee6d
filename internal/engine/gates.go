package engine

import (
	"fmt"
	"regexp"

	"folioline/internal/config"
	"folioline/internal/domain"
	"folioline/internal/gate"
	"folioline/internal/provenance"
	"folioline/internal/tmpl"
)

// Gate fields a verdict may be recorded on.
const (
	FieldResearchValidation    = "research.validation"
	FieldTranslationValidation = "translation.validation"
	FieldPackageValidation     = "package.validation"
)

// Gates holds the configured gate per validation field.
type Gates struct {
	Provenance gate.Gate
	Coverage   gate.Gate
	Structure  gate.Gate
	Budget     gate.Budget
}

// BuildGates compiles gate settings from cfg.
func BuildGates(cfg *config.Config) (Gates, error) {
	cov := cfg.Gates.Coverage
	coverage := gate.Coverage{
		TailChars:         cov.TailChars,
		FallbackTailChars: cov.FallbackTailChars,
		ToleranceChars:    cov.ToleranceChars,
		TolerancePercent:  cov.TolerancePercent,
		ClosingMarkers:    cov.ClosingMarkers,
	}
	for _, e := range cov.IncompleteEndings {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return Gates{}, fmt.Errorf("incomplete ending %q: %w", e.Pattern, err)
		}
		coverage.IncompleteEndings = append(coverage.IncompleteEndings, gate.Ending{Pattern: re, Message: e.Message})
	}
	p := cfg.Gates.Provenance
	prov, err := provenance.New(provenance.Options{
		MinCitationRatio: p.MinCitationRatio,
		MinPhraseWords:   p.MinPhraseWords,
		MaxPhraseSamples: p.MaxPhraseSamples,
		MaxFillerMatches: p.MaxFillerMatches,
		CitationPatterns: p.CitationPatterns,
		FillerPatterns:   p.FillerPatterns,
		GenericPhrases:   p.GenericPhrases,
		Stopwords:        p.Stopwords,
	})
	if err != nil {
		return Gates{}, err
	}
	structure, err := tmpl.NewStructureGate(cfg.Packaging.ForbiddenPatterns)
	if err != nil {
		return Gates{}, err
	}
	return Gates{
		Provenance: prov,
		Coverage:   coverage,
		Structure:  structure,
		Budget:     gate.Budget{Ceiling: cfg.Gates.Budget.Ceiling, Currency: cfg.Gates.Budget.Currency},
	}, nil
}

// For returns the gate that writes field.
func (g Gates) For(field string) (gate.Gate, error) {
	switch field {
	case FieldResearchValidation:
		return g.Provenance, nil
	case FieldTranslationValidation:
		return g.Coverage, nil
	case FieldPackageValidation:
		return g.Structure, nil
	}
	return nil, fmt.Errorf("unknown gate field %q", field)
}

// gateField names the validation field evaluated in state s.
func gateField(s domain.State) (string, bool) {
	switch s {
	case domain.StateResearched:
		return FieldResearchValidation, true
	case domain.StateValidating:
		return FieldTranslationValidation, true
	case domain.StatePackageCheck:
		return FieldPackageValidation, true
	}
	return "", false
}

// setVerdict writes a verdict on the record. The owning section must exist.
func setVerdict(rec *domain.Record, field string, res *domain.GateResult) error {
	switch field {
	case FieldResearchValidation:
		if rec.Fields.Research == nil || rec.Fields.Research.OutputPath == "" {
			return fmt.Errorf("%s: research.output_path is unset", field)
		}
		rec.Fields.Research.Validation = res
	case FieldTranslationValidation:
		if rec.Fields.Translation == nil || rec.Fields.Translation.LastChunkPath == "" {
			return fmt.Errorf("%s: translation.last_chunk_path is unset", field)
		}
		rec.Fields.Translation.Validation = res
	case FieldPackageValidation:
		if rec.Fields.Package == nil || rec.Fields.Package.DescriptionPath == "" {
			return fmt.Errorf("%s: package.description_path is unset", field)
		}
		rec.Fields.Package.Validation = res
	default:
		return fmt.Errorf("unknown gate field %q", field)
	}
	return nil
}

func verdictOf(rec domain.Record, field string) *domain.GateResult {
	switch field {
	case FieldResearchValidation:
		return researchGate(rec)
	case FieldTranslationValidation:
		return translationGate(rec)
	case FieldPackageValidation:
		return packageGate(rec)
	}
	return nil
}
