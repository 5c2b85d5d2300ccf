// Package verdict lists the answers BH may give on a track and describes
// their consequence.
package verdict

import (
	"fmt"
	"strings"

	"kravflyt/internal/domain"
)

// ValidationError reports a missing or invalid input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Variant string

const (
	VariantDanger  Variant = "danger"
	VariantWarning Variant = "warning"
	VariantSuccess Variant = "success"
	VariantInfo    Variant = "info"
)

// Option is one answer BH may choose.
type Option struct {
	Value       domain.Result      `json:"value"`
	Label       string             `json:"label"`
	Description string             `json:"description,omitempty"`
	Capped      bool               `json:"capped"`
	Opens       []domain.TrackKind `json:"opens,omitempty"`
}

// OptionsConfig describes the track being answered.
type OptionsConfig struct {
	Track    domain.TrackKind `json:"track"`
	Category domain.Category  `json:"category,omitempty"`
	// LateNotice marks an irregular change notified after its deadline.
	LateNotice bool `json:"late_notice,omitempty"`
}

func (c OptionsConfig) forceMajeure() bool { return c.Category == domain.CategoryForceMajeure }

func (c OptionsConfig) cappedApproval() bool {
	return c.Category == domain.CategoryIrregularChange && c.LateNotice
}

// Options returns the valid answers for a track. Under force majeure the
// vederlag track has none and no option opens it.
func Options(cfg OptionsConfig) []Option {
	if cfg.Track == domain.TrackVederlag && cfg.forceMajeure() {
		return []Option{}
	}
	var opens []domain.TrackKind
	if cfg.Track == domain.TrackGrunnlag {
		opens = downstream(cfg.forceMajeure())
	}
	capped := cfg.cappedApproval()
	approve := Option{Value: domain.ResultApproved, Label: resultLabels[domain.ResultApproved], Opens: opens}
	partial := Option{Value: domain.ResultPartiallyApproved, Label: resultLabels[domain.ResultPartiallyApproved], Opens: opens}
	if capped {
		approve.Capped = true
		approve.Description = cappedText
		partial.Capped = true
		partial.Description = cappedText
	}
	reject := Option{Value: domain.ResultRejected, Label: resultLabels[domain.ResultRejected], Opens: opens}
	if cfg.Track == domain.TrackGrunnlag {
		reject.Description = "Vederlag og frist behandles subsidiært."
	}
	out := []Option{approve, partial, reject}
	if cfg.Track == domain.TrackGrunnlag && cfg.Category == domain.CategoryIrregularChange {
		out = append(out, Option{
			Value:       domain.ResultOrderWithdrawn,
			Label:       resultLabels[domain.ResultOrderWithdrawn],
			Description: "BH frafaller pålegget. Det foreligger ingen endring å kreve vederlag eller frist for.",
		})
	}
	return out
}

func downstream(forceMajeure bool) []domain.TrackKind {
	if forceMajeure {
		return []domain.TrackKind{domain.TrackFrist}
	}
	return []domain.TrackKind{domain.TrackVederlag, domain.TrackFrist}
}

// Input describes a proposed answer.
type Input struct {
	Track              domain.TrackKind   `json:"track"`
	Result             domain.Result      `json:"resultat"`
	Category           domain.Category    `json:"category,omitempty"`
	LateNotice         bool               `json:"late_notice,omitempty"`
	PreclusionCritical bool               `json:"preclusion_critical,omitempty"`
	Reversal           bool               `json:"snuoperasjon,omitempty"`
	SubsidiaryTracks   []domain.TrackKind `json:"subsidiary_tracks,omitempty"`
}

// Result is the advisory shown before BH submits an answer.
type Result struct {
	Variant      Variant `json:"variant" enum:"danger,warning,success,info"`
	Text         string  `json:"text"`
	ReversalText string  `json:"reversal_text,omitempty"`
}

// Consequence describes the effect of a proposed answer. A missing or
// unknown result is a *ValidationError.
func Consequence(in Input) (Result, error) {
	if !in.Track.Valid() {
		return Result{}, &ValidationError{Field: "track", Reason: fmt.Sprintf("unknown track %q", in.Track)}
	}
	if in.Result == "" {
		return Result{}, &ValidationError{Field: "resultat", Reason: "required"}
	}
	if !in.Result.Valid() {
		return Result{}, &ValidationError{Field: "resultat", Reason: fmt.Sprintf("unknown value %q", in.Result)}
	}
	cfg := OptionsConfig{Track: in.Track, Category: in.Category, LateNotice: in.LateNotice}
	if !offered(Options(cfg), in.Result) {
		if in.Track == domain.TrackVederlag && cfg.forceMajeure() {
			return Result{}, &ValidationError{Field: "track", Reason: "force majeure gives no right to compensation"}
		}
		return Result{}, &ValidationError{Field: "resultat", Reason: fmt.Sprintf("%s is not an option for %s", in.Result, in.Track)}
	}

	var text []string
	text = append(text, baseText(in, cfg.forceMajeure()))
	if in.Result.Granting() && cfg.cappedApproval() {
		text = append(text, cappedText)
	}
	if in.PreclusionCritical {
		text = append(text, "Varselet er sendt for sent, og kravet kan være prekludert.")
	}
	out := Result{Variant: variant(in), Text: strings.Join(text, " ")}
	if in.Reversal && in.Result.Granting() {
		out.ReversalText = reversalText(in.SubsidiaryTracks)
	}
	return out, nil
}

func variant(in Input) Variant {
	switch {
	case in.Result == domain.ResultRejected || in.PreclusionCritical:
		return VariantDanger
	case in.Result == domain.ResultPartiallyApproved:
		return VariantWarning
	case in.Result == domain.ResultApproved:
		return VariantSuccess
	}
	return VariantInfo
}

func baseText(in Input, forceMajeure bool) string {
	switch in.Track {
	case domain.TrackGrunnlag:
		switch in.Result {
		case domain.ResultApproved, domain.ResultPartiallyApproved:
			if forceMajeure {
				return "Force majeure er akseptert. TE har krav på fristforlengelse, men ikke vederlag."
			}
			if in.Result == domain.ResultPartiallyApproved {
				return "Ansvarsgrunnlaget er delvis godkjent. Vederlag og frist behandles for den godkjente delen."
			}
			return "Ansvarsgrunnlaget er godkjent. Vederlag og frist behandles prinsipalt."
		case domain.ResultRejected:
			return "Ansvarsgrunnlaget er avslått. Eventuelle svar på vederlag og frist blir subsidiære."
		case domain.ResultOrderWithdrawn:
			return "Pålegget frafalles. Arbeidet skal ikke utføres, og det foreligger ingen endring."
		}
	case domain.TrackVederlag:
		switch in.Result {
		case domain.ResultApproved:
			return "Vederlagskravet er godkjent i sin helhet."
		case domain.ResultPartiallyApproved:
			return "Vederlagskravet er delvis godkjent. Differansen er omtvistet."
		case domain.ResultRejected:
			return "Vederlagskravet er avslått."
		}
	case domain.TrackFrist:
		switch in.Result {
		case domain.ResultApproved:
			return "Fristforlengelsen er godkjent i sin helhet."
		case domain.ResultPartiallyApproved:
			return "Fristforlengelsen er delvis godkjent. TE kan velge å forsere for de avslåtte dagene."
		case domain.ResultRejected:
			return "Fristforlengelsen er avslått. TE kan velge å forsere."
		}
	}
	return ""
}

func reversalText(tracks []domain.TrackKind) string {
	base := "Snuoperasjon: et tidligere avslag omgjøres til godkjenning."
	if len(tracks) == 0 {
		return base
	}
	names := make([]string, 0, len(tracks))
	for _, t := range tracks {
		names = append(names, trackLabels[t])
	}
	return fmt.Sprintf("%s Subsidiære standpunkter for %s blir uaktuelle og vurderes prinsipalt.", base, strings.Join(names, " og "))
}

func offered(opts []Option, r domain.Result) bool {
	for _, o := range opts {
		if o.Value == r {
			return true
		}
	}
	return false
}

const cappedText = "Godkjenningen begrenses til det BH måtte forstå, fordi varselet om irregulær endring kom for sent."
