// Package dataset indexes a BIDS-like directory tree and answers the one
// query the selector needs: which raw fieldmap acquisitions, with which
// metadata, exist for each subject.
//
// Expected layout: <root>/sub-*/[ses-*/]fmap/*.nii[.gz], with a JSON
// sidecar next to each image. When a sidecar is missing but a sibling
// DICOM file exists, metadata is recovered from the DICOM header.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"fmapflows/internal/dicommeta"
	"fmapflows/internal/models"
)

// Dataset is the index of one scanned directory tree.
type Dataset struct {
	Root string

	// Groups maps subject identifiers to their acquisition groups.
	Groups map[string][]models.AcquisitionGroup
}

// Subjects returns the indexed subject identifiers in sorted order.
func (d *Dataset) Subjects() []string {
	out := make([]string, 0, len(d.Groups))
	for s := range d.Groups {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Scan walks the dataset tree and builds the acquisition index.
// Unrecognized files are skipped, not errors.
func Scan(root string, log logrus.FieldLogger) (*Dataset, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset root: %w", err)
	}

	ds := &Dataset{Root: root, Groups: make(map[string][]models.AcquisitionGroup)}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "sub-") {
			continue
		}
		subject := entry.Name()
		groups, err := scanSubject(root, subject, log)
		if err != nil {
			return nil, err
		}
		ds.Groups[subject] = groups
		log.WithFields(logrus.Fields{
			"subject": subject,
			"groups":  len(groups),
		}).Debug("Indexed subject")
	}
	return ds, nil
}

func scanSubject(root, subject string, log logrus.FieldLogger) ([]models.AcquisitionGroup, error) {
	subjectDir := filepath.Join(root, subject)
	entries, err := os.ReadDir(subjectDir)
	if err != nil {
		return nil, fmt.Errorf("reading subject %s: %w", subject, err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "ses-") {
			sessions = append(sessions, entry.Name())
		}
	}
	if len(sessions) == 0 {
		sessions = []string{""}
	}
	sort.Strings(sessions)

	var groups []models.AcquisitionGroup
	for _, session := range sessions {
		fmapDir := filepath.Join(subjectDir, session, "fmap")
		sessionGroups, err := scanFmapDir(fmapDir, subject, session, log)
		if err != nil {
			return nil, err
		}
		groups = append(groups, sessionGroups...)
	}
	return groups, nil
}

func scanFmapDir(dir, subject, session string, log logrus.FieldLogger) ([]models.AcquisitionGroup, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	byLabel := make(map[string]*models.AcquisitionGroup)
	var labels []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isImage(name) {
			continue
		}

		base := stripImageExt(name)
		role, label := parseName(base)
		if !models.KnownRole(role) {
			log.WithFields(logrus.Fields{
				"file": name,
				"role": role,
			}).Debug("Skipping file with unrecognized suffix")
			continue
		}

		path := filepath.Join(dir, name)
		meta, err := loadMetadata(filepath.Join(dir, base), log)
		if err != nil {
			return nil, err
		}

		group, ok := byLabel[label]
		if !ok {
			group = &models.AcquisitionGroup{
				Subject: subject,
				Session: session,
				Label:   label,
			}
			byLabel[label] = group
			labels = append(labels, label)
		}
		group.Files = append(group.Files, models.RawAcquisition{
			Path: path,
			Role: models.Role(role),
			Meta: meta,
		})
	}

	sort.Strings(labels)
	groups := make([]models.AcquisitionGroup, 0, len(labels))
	for _, label := range labels {
		groups = append(groups, *byLabel[label])
	}
	return groups, nil
}

// loadMetadata reads the JSON sidecar for an image, falling back to a
// sibling DICOM file, then to an empty record.
func loadMetadata(base string, log logrus.FieldLogger) (models.Metadata, error) {
	sidecar := base + ".json"
	if raw, err := os.ReadFile(sidecar); err == nil {
		var meta models.Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("parsing sidecar %s: %w", sidecar, err)
		}
		return meta, nil
	}

	dcm := base + ".dcm"
	if _, err := os.Stat(dcm); err == nil {
		meta, err := dicommeta.FromFile(dcm)
		if err != nil {
			log.WithField("file", dcm).WithError(err).Warn("Could not recover metadata from DICOM")
			return models.Metadata{}, nil
		}
		log.WithField("file", dcm).Debug("Recovered metadata from DICOM header")
		return meta, nil
	}

	log.WithField("image", base).Warn("No sidecar metadata found")
	return models.Metadata{}, nil
}

func isImage(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

func stripImageExt(name string) string {
	name = strings.TrimSuffix(name, ".gz")
	return strings.TrimSuffix(name, ".nii")
}

// parseName splits a BIDS-style basename into its role suffix (the last
// underscore-separated token) and the label of entities grouping
// acquisitions that belong together. Both acq-<label> and run-<index>
// separate groups; dir-<label> deliberately does not, so opposed
// phase-encoding EPI runs land in one group and can pair up.
func parseName(base string) (role, label string) {
	tokens := strings.Split(base, "_")
	role = tokens[len(tokens)-1]
	var parts []string
	for _, tok := range tokens[:len(tokens)-1] {
		if strings.HasPrefix(tok, "acq-") || strings.HasPrefix(tok, "run-") {
			parts = append(parts, tok)
		}
	}
	return role, strings.Join(parts, "_")
}
