package verdict

import "kravflyt/internal/domain"

var resultLabels = map[domain.Result]string{
	domain.ResultApproved:          "Godkjent",
	domain.ResultPartiallyApproved: "Delvis godkjent",
	domain.ResultRejected:          "Avslått",
	domain.ResultOrderWithdrawn:    "Pålegg frafalt",
}

var trackLabels = map[domain.TrackKind]string{
	domain.TrackGrunnlag: "grunnlag",
	domain.TrackVederlag: "vederlag",
	domain.TrackFrist:    "frist",
}

var statusLabels = map[domain.TrackStatus]string{
	domain.StatusDraft:             "Utkast",
	domain.StatusSent:              "Sendt",
	domain.StatusUnderNegotiation:  "Under forhandling",
	domain.StatusPartiallyApproved: "Delvis godkjent",
	domain.StatusApproved:          "Godkjent",
	domain.StatusRejected:          "Avslått",
	domain.StatusWithdrawn:         "Trukket",
	domain.StatusNotApplicable:     "Ikke aktuelt",
}

var categoryLabels = map[domain.Category]string{
	domain.CategoryEndring:         "Endring",
	domain.CategoryIrregularChange: "Irregulær endring",
	domain.CategorySvikt:           "Svikt ved BHs ytelser",
	domain.CategoryForceMajeure:    "Force majeure",
	domain.CategoryAnnet:           "Annet",
}

// ResultLabel returns the display label for a BH result.
func ResultLabel(r domain.Result) string { return lookup(resultLabels, r) }

// StatusLabel returns the display label for a track status.
func StatusLabel(s domain.TrackStatus) string { return lookup(statusLabels, s) }

func CategoryLabel(c domain.Category) string { return lookup(categoryLabels, c) }

func TrackLabel(k domain.TrackKind) string { return lookup(trackLabels, k) }

func lookup[K ~string](m map[K]string, k K) string {
	if v, ok := m[k]; ok {
		return v
	}
	return string(k)
}
