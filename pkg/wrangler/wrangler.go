// Package wrangler inspects the raw acquisitions discovered for one
// subject and decides which fieldmap estimators can be built from them.
package wrangler

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"fmapflows/internal/models"
	"fmapflows/pkg/estimator"
	"fmapflows/pkg/fieldmap"
)

// Record maps subject identifiers to their ordered estimators. A subject
// may legitimately have zero estimators (a coverage gap, not an error).
type Record map[string][]*estimator.Estimator

// FindEstimators applies the selection algorithm to each acquisition
// group of one subject and returns the resulting estimators in group
// order. Priority per group, first match wins:
//
//  1. a phase-difference map is present
//  2. two phase maps with reconcilable echo times are present
//  3. a reverse-phase-encoding pair or pre-computed transform is present
//  4. fallback enabled: a degenerate fieldmap-less estimator
//  5. otherwise the group contributes nothing
func FindEstimators(subject string, groups []models.AcquisitionGroup, fmapless bool, opts estimator.Options, log logrus.FieldLogger) []*estimator.Estimator {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var out []*estimator.Estimator
	for i := range groups {
		group := &groups[i]
		variant, ok := classify(group, log)
		if !ok {
			if !fmapless {
				log.WithFields(logrus.Fields{
					"subject": subject,
					"group":   group.Name(),
				}).Debug("No fieldmap source found, fallback disabled")
				continue
			}
			variant = estimator.Fieldmapless
		}

		name := fmt.Sprintf("%s_%s", group.Name(), variant)
		est, err := estimator.New(name, subject, variant, group.Files, opts)
		if err != nil {
			log.WithFields(logrus.Fields{
				"subject": subject,
				"group":   group.Name(),
				"variant": variant,
			}).WithError(err).Warn("Discarding unbuildable estimator")
			continue
		}

		log.WithFields(logrus.Fields{
			"subject": subject,
			"group":   group.Name(),
			"variant": variant,
		}).Info("Selected estimator")
		out = append(out, est)
	}
	return out
}

// classify picks the highest-priority variant the group's acquisitions
// can support. A phase pair whose echo times cannot be reconciled is a
// silent coverage loss otherwise, so its rejection is logged at Warn.
func classify(group *models.AcquisitionGroup, log logrus.FieldLogger) (estimator.Variant, bool) {
	if _, ok := group.First(models.RolePhaseDiff); ok {
		return estimator.Phasediff, true
	}
	p1, ok1 := group.First(models.RolePhase1)
	p2, ok2 := group.First(models.RolePhase2)
	if ok1 && ok2 {
		if reconcilablePhases(p1, p2) {
			return estimator.TwoPhases, true
		}
		log.WithFields(logrus.Fields{
			"subject": group.Subject,
			"group":   group.Name(),
		}).Warn("Discarding phase pair with missing or equal echo times")
	}
	if _, ok := group.First(models.RoleFieldmap); ok {
		return estimator.PEPolar, true
	}
	if hasOpposedEPIs(group) {
		return estimator.PEPolar, true
	}
	return "", false
}

// reconcilablePhases requires echo times on both phase maps that yield a
// positive difference.
func reconcilablePhases(p1, p2 models.RawAcquisition) bool {
	te1, ok1 := p1.Meta.Float(fieldmap.KeyEchoTime)
	te2, ok2 := p2.Meta.Float(fieldmap.KeyEchoTime)
	return ok1 && ok2 && te1 != te2
}

// hasOpposedEPIs reports whether the group carries at least two EPI runs
// with opposed phase-encoding directions (e.g. "j" and "j-").
func hasOpposedEPIs(group *models.AcquisitionGroup) bool {
	epis := group.ByRole(models.RoleEPI)
	if len(epis) < 2 {
		return false
	}
	seen := map[string]bool{}
	for _, epi := range epis {
		dir, ok := epi.Meta.String(fieldmap.KeyPEDirection)
		if !ok {
			continue
		}
		base := strings.TrimSuffix(dir, "-")
		flipped := strings.HasSuffix(dir, "-")
		if prev, found := seen[base]; found && prev != flipped {
			return true
		}
		seen[base] = flipped
	}
	return false
}
