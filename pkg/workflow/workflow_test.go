package workflow

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmapflows/internal/models"
	"fmapflows/pkg/estimator"
	"fmapflows/pkg/fieldmap"
)

type memLoader struct {
	mu    sync.Mutex
	vols  map[string]*models.Volume
	saved map[string]*models.Volume
}

func newMemLoader() *memLoader {
	return &memLoader{
		vols:  make(map[string]*models.Volume),
		saved: make(map[string]*models.Volume),
	}
}

func (l *memLoader) Load(path string) (*models.Volume, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vols[path]
	if !ok {
		return nil, fmt.Errorf("no volume at %s", path)
	}
	return v, nil
}

func (l *memLoader) Save(path string, v *models.Volume) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.saved[path] = v
	return nil
}

func rampVolume() *models.Volume {
	v := models.NewVolume(4, 4, 2, 1)
	for i := range v.Data {
		v.Data[i] = float64(i) * 100
	}
	return v
}

func TestGraphRejectsDuplicateSteps(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddStep(&Step{ID: "a/load", Estimator: "a", Run: func() error { return nil }}))
	require.Error(t, g.AddStep(&Step{ID: "a/load", Estimator: "a", Run: func() error { return nil }}))
}

func TestGraphRejectsCrossEstimatorEdges(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddStep(&Step{ID: "a/load", Estimator: "a", Run: func() error { return nil }}))
	require.NoError(t, g.AddStep(&Step{
		ID: "b/load", Estimator: "b", After: []string{"a/load"},
		Run: func() error { return nil },
	}))
	assert.Error(t, g.Validate())
}

func TestGraphRejectsUnknownDependency(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddStep(&Step{
		ID: "a/two", Estimator: "a", After: []string{"a/one"},
		Run: func() error { return nil },
	}))
	assert.Error(t, g.Validate())
}

func TestGraphRejectsCycle(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddStep(&Step{ID: "a/one", Estimator: "a", After: []string{"a/two"}, Run: func() error { return nil }}))
	require.NoError(t, g.AddStep(&Step{ID: "a/two", Estimator: "a", After: []string{"a/one"}, Run: func() error { return nil }}))
	assert.Error(t, g.Validate())
}

func TestLocalEngineRunsChainsInOrder(t *testing.T) {
	g := NewGraph()
	var order []string
	var mu sync.Mutex
	record := func(id string) func() error {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, id)
			return nil
		}
	}
	require.NoError(t, g.AddStep(&Step{ID: "a/one", Estimator: "a", Run: record("a/one")}))
	require.NoError(t, g.AddStep(&Step{ID: "a/two", Estimator: "a", After: []string{"a/one"}, Run: record("a/two")}))
	require.NoError(t, g.AddStep(&Step{ID: "a/three", Estimator: "a", After: []string{"a/two"}, Run: record("a/three")}))

	engine := &LocalEngine{Workers: 4}
	errs, err := engine.Run(g)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, []string{"a/one", "a/two", "a/three"}, order)
}

func TestLocalEngineSkipsDownstreamOfFailure(t *testing.T) {
	g := NewGraph()
	boom := fmt.Errorf("boom")
	var ran atomic.Int32
	require.NoError(t, g.AddStep(&Step{ID: "a/one", Estimator: "a", Run: func() error { return boom }}))
	require.NoError(t, g.AddStep(&Step{ID: "a/two", Estimator: "a", After: []string{"a/one"}, Run: func() error {
		ran.Add(1)
		return nil
	}}))
	require.NoError(t, g.AddStep(&Step{ID: "a/three", Estimator: "a", After: []string{"a/two"}, Run: func() error {
		ran.Add(1)
		return nil
	}}))
	// An independent chain keeps running.
	require.NoError(t, g.AddStep(&Step{ID: "b/one", Estimator: "b", Run: func() error { return nil }}))

	engine := &LocalEngine{Workers: 2}
	errs, err := engine.Run(g)
	require.NoError(t, err)

	assert.Equal(t, int32(0), ran.Load(), "downstream steps must not run")
	assert.ErrorIs(t, errs["a/one"], boom)
	assert.ErrorIs(t, errs["a/two"], ErrSkipped)
	assert.ErrorIs(t, errs["a/three"], ErrSkipped)
	assert.NotContains(t, errs, "b/one")
}

func TestLocalEngineRunsManyIndependentChains(t *testing.T) {
	g := NewGraph()
	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		est := fmt.Sprintf("est-%02d", i)
		prev := ""
		for _, stage := range []string{"load", "convert", "write"} {
			step := &Step{
				ID:        est + "/" + stage,
				Estimator: est,
				Run: func() error {
					ran.Add(1)
					return nil
				},
			}
			if prev != "" {
				step.After = []string{prev}
			}
			require.NoError(t, g.AddStep(step))
			prev = step.ID
		}
	}

	engine := &LocalEngine{Workers: 8}
	errs, err := engine.Run(g)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, int32(150), ran.Load())
}

func datasetGroups(loader *memLoader) map[string][]models.AcquisitionGroup {
	loader.vols["sub-01_phasediff.nii"] = rampVolume()
	loader.vols["sub-02_phasediff.nii"] = rampVolume()

	return map[string][]models.AcquisitionGroup{
		"sub-01": {{
			Subject: "sub-01",
			Files: []models.RawAcquisition{{
				Path: "sub-01_phasediff.nii",
				Role: models.RolePhaseDiff,
				Meta: models.Metadata{"EchoTime1": 0.00492, "EchoTime2": 0.00738},
			}},
		}},
		// sub-02 has no echo times: its estimator must fail without
		// affecting sub-01.
		"sub-02": {{
			Subject: "sub-02",
			Files: []models.RawAcquisition{{
				Path: "sub-02_phasediff.nii",
				Role: models.RolePhaseDiff,
				Meta: models.Metadata{},
			}},
		}},
		// sub-03 has nothing at all.
		"sub-03": {},
	}
}

func TestComposerEndToEnd(t *testing.T) {
	loader := newMemLoader()
	composer := &Composer{
		WorkDir: t.TempDir(),
		Options: estimator.Options{Loader: loader},
	}

	pipeline, err := composer.Compose(datasetGroups(loader))
	require.NoError(t, err)
	require.NoError(t, pipeline.Graph.Validate())
	assert.Contains(t, pipeline.NoCoverage, "sub-03")

	report, err := composer.Execute(pipeline, &LocalEngine{Workers: 4})
	require.NoError(t, err)

	require.Len(t, report.Fieldmaps, 1)
	require.Len(t, report.Failures, 1)

	for name, fm := range report.Fieldmaps {
		assert.Contains(t, name, "sub-01")
		assert.Equal(t, fieldmap.UnitsHz, fm.Units)
	}
	for name, failErr := range report.Failures {
		assert.Contains(t, name, "sub-02")
		var missing *fieldmap.MissingParameterError
		assert.ErrorAs(t, failErr, &missing)
	}
}

func TestComposerFmaplessFallbackCoversEveryone(t *testing.T) {
	loader := newMemLoader()
	loader.vols["mag.nii"] = rampVolume()

	groups := map[string][]models.AcquisitionGroup{
		"sub-07": {{
			Subject: "sub-07",
			Files: []models.RawAcquisition{{
				Path: "mag.nii",
				Role: models.RoleMagnitude1,
				Meta: models.Metadata{},
			}},
		}},
	}

	composer := &Composer{
		WorkDir:  t.TempDir(),
		Fmapless: true,
		Options:  estimator.Options{Loader: loader},
	}
	pipeline, err := composer.Compose(groups)
	require.NoError(t, err)
	assert.Empty(t, pipeline.NoCoverage)

	report, err := composer.Execute(pipeline, &LocalEngine{})
	require.NoError(t, err)
	require.Len(t, report.Fieldmaps, 1)
	for _, fm := range report.Fieldmaps {
		assert.True(t, fm.NoCorrection())
	}
}

func TestGraphStepsOfKeepsChainOrder(t *testing.T) {
	loader := newMemLoader()
	loader.vols["phasediff.nii"] = rampVolume()

	est, err := estimator.New("sub-01_phasediff", "sub-01", estimator.Phasediff,
		[]models.RawAcquisition{{
			Path: "phasediff.nii",
			Role: models.RolePhaseDiff,
			Meta: models.Metadata{"EchoTime1": 0.005, "EchoTime2": 0.007},
		}}, estimator.Options{Loader: loader})
	require.NoError(t, err)

	g := NewGraph()
	require.NoError(t, g.AddEstimator(est, t.TempDir()))
	require.NoError(t, g.Validate())

	ids := g.StepsOf("sub-01_phasediff")
	require.NotEmpty(t, ids)
	assert.Equal(t, "sub-01_phasediff/load-phasediff", ids[0])
	assert.Equal(t, "sub-01_phasediff/write-fieldmap", ids[len(ids)-1])
}
