package domain

import (
	"errors"
	"fmt"
)

// Field sections a collaborator can be authorized to write.
const (
	SectionResearch    = "research"
	SectionTranslation = "translation"
	SectionPackage     = "package"
	SectionPublish     = "publish"
)

// FieldWriteError reports a rejected write to a record field.
type FieldWriteError struct {
	Field  string
	Reason string
}

func (e *FieldWriteError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

// Apply merges collaborator-produced values into f. A field already set to a
// different value is never overwritten, and gate verdicts, human-only fields and
// sections outside allowed are rejected. Nothing is written unless every value is accepted.
func (f *Fields) Apply(patch Fields, allowed ...string) error {
	ok := map[string]bool{}
	for _, s := range allowed {
		ok[s] = true
	}
	var errs []error
	deny := func(section string) {
		errs = append(errs, &FieldWriteError{Field: section, Reason: "not authorized for this collaborator"})
	}
	humanOnly := func(field string) {
		errs = append(errs, &FieldWriteError{Field: field, Reason: "set only by an explicit human action"})
	}
	gateOnly := func(field string) {
		errs = append(errs, &FieldWriteError{Field: field, Reason: "written by gates only"})
	}

	next := *f
	if patch.Source != nil {
		humanOnly("source")
	}
	for _, p := range []struct {
		name    string
		present bool
	}{
		{"review", patch.Review != nil},
		{"budget", patch.Budget != nil},
		{"cancel", patch.Cancel != nil},
		{"halt", patch.Halt != nil},
		{"rework", patch.Rework != nil},
	} {
		if p.present {
			humanOnly(p.name)
		}
	}

	if patch.Research != nil {
		if !ok[SectionResearch] {
			deny(SectionResearch)
		} else {
			cur := Research{}
			if f.Research != nil {
				cur = *f.Research
			}
			if patch.Research.Validation != nil {
				gateOnly("research.validation")
			}
			errs = appendErr(errs, setOnce(&cur.OutputPath, patch.Research.OutputPath, "research.output_path"))
			next.Research = &cur
		}
	}
	if patch.Translation != nil {
		if !ok[SectionTranslation] {
			deny(SectionTranslation)
		} else {
			cur := Translation{}
			if f.Translation != nil {
				cur = *f.Translation
			}
			if patch.Translation.Validation != nil {
				gateOnly("translation.validation")
			}
			errs = appendErr(errs, setOnce(&cur.OutputPath, patch.Translation.OutputPath, "translation.output_path"))
			errs = appendErr(errs, setOnce(&cur.LastChunkPath, patch.Translation.LastChunkPath, "translation.last_chunk_path"))
			next.Translation = &cur
		}
	}
	if patch.Audio != nil {
		errs = append(errs, &FieldWriteError{Field: "audio", Reason: "recorded by the job tracker"})
	}
	if patch.Video != nil {
		errs = append(errs, &FieldWriteError{Field: "video", Reason: "recorded by the job tracker"})
	}
	if patch.Package != nil {
		if !ok[SectionPackage] {
			deny(SectionPackage)
		} else {
			cur := Package{}
			if f.Package != nil {
				cur = *f.Package
			}
			if patch.Package.Validation != nil {
				gateOnly("package.validation")
			}
			errs = appendErr(errs, setOnce(&cur.DescriptionPath, patch.Package.DescriptionPath, "package.description_path"))
			next.Package = &cur
		}
	}
	if patch.Publish != nil {
		if !ok[SectionPublish] {
			deny(SectionPublish)
		} else {
			cur := Publish{}
			if f.Publish != nil {
				cur = *f.Publish
			}
			if patch.Publish.Visibility == VisibilityPublic {
				humanOnly("publish.visibility=public")
			} else if v := patch.Publish.Visibility; v != "" && v != VisibilityPrivate && v != VisibilityUnlisted {
				errs = append(errs, &FieldWriteError{Field: "publish.visibility", Reason: fmt.Sprintf("unknown visibility %q", v)})
			}
			if patch.Publish.PublicAt != "" {
				humanOnly("publish.public_at")
			}
			if patch.Publish.PublicBy != "" {
				humanOnly("publish.public_by")
			}
			errs = appendErr(errs, setOnce(&cur.VideoID, patch.Publish.VideoID, "publish.video_id"))
			errs = appendErr(errs, setOnce(&cur.URL, patch.Publish.URL, "publish.url"))
			if patch.Publish.Visibility != VisibilityPublic {
				errs = appendErr(errs, setOnce(&cur.Visibility, patch.Publish.Visibility, "publish.visibility"))
			}
			next.Publish = &cur
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	*f = next
	return nil
}

func setOnce(dst *string, val, name string) error {
	if val == "" {
		return nil
	}
	if *dst != "" && *dst != val {
		return &FieldWriteError{Field: name, Reason: fmt.Sprintf("already set to %q; write-once until the stage is reworked", *dst)}
	}
	*dst = val
	return nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}

// ClearStage drops the fields produced by the stage that target starts and by
// every later stage. Only rework and resume transitions call it.
func (f *Fields) ClearStage(target State) {
	switch target {
	case StateSelected:
		f.Research = nil
		fallthrough
	case StateTranslating:
		f.Translation = nil
		fallthrough
	case StateGeneratingAudio:
		f.Audio = nil
		fallthrough
	case StateGeneratingVideo:
		f.Video = nil
		fallthrough
	case StatePackaging:
		f.Package = nil
		f.Publish = nil
		f.Review = nil
	}
	f.Halt = nil
	f.Rework = nil
}
