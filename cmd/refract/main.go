// Command refract builds a synthetic confocal-style scene, fits it with
// the incremental update engine, and records the run to a local SQLite
// database for later inspection.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"

	"github.com/glasslab/refract/internal/config"
	"github.com/glasslab/refract/internal/field"
	"github.com/glasslab/refract/internal/fit"
	"github.com/glasslab/refract/internal/fitstore"
	"github.com/glasslab/refract/internal/params"
	"github.com/glasslab/refract/internal/voxel"
)

var (
	configPath    = flag.String("config", "", "Tuning config JSON (defaults built in when empty)")
	dbFile        = flag.String("db", "fit_runs.db", "SQLite database for run records (empty to disable)")
	migrationsDir = flag.String("migrations", "migrations", "Migrations directory")
	size          = flag.Int("size", 32, "Cubic image edge length in voxels")
	particles     = flag.Int("particles", 4, "Number of particles in the synthetic scene")
	radius        = flag.Float64("radius", 5.0, "Particle radius in voxels")
	steps         = flag.Int("steps", 200, "Number of sampling steps")
	stepScale     = flag.Float64("step-scale", 0.3, "Position proposal scale in voxels")
	seed          = flag.Uint64("seed", 42, "RNG seed")
	gradients     = flag.Bool("gradients", false, "Print the position gradient after sampling")
)

func loadConfig() *config.TuningConfig {
	if *configPath == "" {
		return config.EmptyTuningConfig()
	}
	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	return cfg
}

func optionsFrom(cfg *config.TuningConfig) fit.Options {
	opts := fit.DefaultOptions()
	opts.Sigma = cfg.GetSigma()
	opts.ZScale = cfg.GetZScale()
	opts.Offset = cfg.GetOffset()
	opts.Pad = cfg.GetPad()
	opts.Difference = cfg.GetDifference()
	opts.DoPrior = cfg.GetDoPrior()
	opts.NLogs = cfg.GetNLogs()
	opts.CutoffFactor = cfg.GetPriorCutoffFactor()
	opts.PriorThreshold = cfg.GetPriorThreshold()
	if cfg.GetConstOffset() {
		opts.Mode = fit.ModeConstantOffset
	}
	return opts
}

// buildScene lays particles on a loose grid inside the unpadded volume
// and returns the fully initialized state with noisy synthetic truth.
func buildScene(cfg *config.TuningConfig, src rand.Source) *fit.State {
	opts := optionsFrom(cfg)

	edge := *size
	raw := voxel.New([3]int{edge, edge, edge})
	raw.Fill(0.5)

	rng := rand.New(src)
	pos := make([][3]float64, 0, *particles)
	rad := make([]float64, 0, *particles)
	perSide := int(math.Ceil(math.Cbrt(float64(*particles))))
	spacing := float64(edge) / float64(perSide+1)
	for i := 0; i < *particles; i++ {
		iz := i / (perSide * perSide)
		iy := (i / perSide) % perSide
		ix := i % perSide
		jitter := func() float64 { return (rng.Float64() - 0.5) * spacing * 0.2 }
		pos = append(pos, [3]float64{
			spacing*float64(iz+1) + jitter(),
			spacing*float64(iy+1) + jitter(),
			spacing*float64(ix+1) + jitter(),
		})
		rad = append(rad, *radius)
	}

	image, pos, rad := fit.PrepareImage(raw, pos, rad, cfg.GetInvert(), opts.Pad)
	typ := make([]float64, len(rad))
	for i := range typ {
		typ[i] = 1
	}

	shape := image.Shape()
	obj := field.NewSphereCollection(pos, rad, typ, shape)
	ilm := field.NewPolynomial3D(shape, [3]int{1, 1, 1}, field.BasisLegendre, 1.0)
	psf := field.NewGaussianPSF(2.0, 1.5, 1.5)

	s := fit.NewState(image, obj, ilm, psf, opts)
	s.ModelToTrueImage(src)
	return s
}

// sample runs a Metropolis sweep over single-particle position blocks,
// optionally recording every attempt.
func sample(s *fit.State, rng *rand.Rand, record func(step int64, block string, accepted bool)) {
	for step := 0; step < *steps; step++ {
		i := rng.IntN(s.NumParticles())
		b := s.BlockParticlePos(i)
		cur := s.Values(b)

		prop := make([]float64, len(cur))
		for k := range prop {
			prop[k] = cur[k] + rng.NormFloat64()**stepScale
		}

		ll0 := s.LogLikelihood()
		if !s.PushUpdate(b, prop) {
			// A rejected push still leaves its frame on the stack.
			s.PopUpdate()
			record(int64(step), fit.BlockPos, false)
			continue
		}
		accept := s.LogLikelihood()-ll0 > math.Log(rng.Float64())
		if !accept {
			s.PopUpdate()
		}
		record(int64(step), fit.BlockPos, accept)
	}
}

func main() {
	flag.Parse()

	cfg := loadConfig()
	src := rand.NewPCG(*seed, *seed)
	rng := rand.New(src)

	s := buildScene(cfg, src)
	log.Printf("scene ready: shape=%v particles=%d ll=%.3f lp=%.3f",
		s.Shape(), s.NumParticles(), s.LogLikelihood(), s.LogPrior())

	record := func(int64, string, bool) {}
	var db *fitstore.DB
	var runID string
	if *dbFile != "" {
		var err error
		db, err = fitstore.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("open fit database: %v", err)
		}
		defer db.Close()
		if err := db.MigrateUp(*migrationsDir); err != nil {
			log.Printf("migrations skipped: %v", err)
		} else if v, dirty, verr := db.MigrateVersion(*migrationsDir); verr == nil {
			log.Printf("schema at migration %d (dirty=%v)", v, dirty)
		}

		shape := s.Shape()
		mode := "multiplicative"
		if cfg.GetConstOffset() {
			mode = "constoff"
		}
		runID, err = db.InsertRun(&fitstore.FitRun{
			ImageName:    "synthetic",
			ShapeZ:       shape[0],
			ShapeY:       shape[1],
			ShapeX:       shape[2],
			NumParticles: s.NumParticles(),
			Sigma:        s.Sigma(),
			ZScale:       s.ZScale(),
			ModelMode:    mode,
			Difference:   cfg.GetDifference(),
		})
		if err != nil {
			log.Fatalf("record fit run: %v", err)
		}
		record = func(step int64, block string, accepted bool) {
			err := db.InsertSample(&fitstore.FitSample{
				RunID:         runID,
				Step:          step,
				BlockName:     block,
				LogLikelihood: s.LogLikelihood(),
				LogPrior:      s.LogPrior(),
				Accepted:      accepted,
			})
			if err != nil {
				log.Printf("record sample: %v", err)
			}
		}
	}

	sample(s, rng, record)
	log.Printf("sampling done: ll=%.3f lp=%.3f stack=%d",
		s.LogLikelihood(), s.LogPrior(), s.StackDepth())

	if db != nil {
		if err := db.FinishRun(runID, s.LogLikelihood(), s.LogPrior()); err != nil {
			log.Printf("finish run: %v", err)
		}
		rate, err := db.AcceptanceRate(runID)
		if err == nil {
			log.Printf("acceptance rate: %.2f", rate)
		}
	}

	if *gradients {
		var blocks []params.Block
		for i := 0; i < s.NumParticles(); i++ {
			blocks = append(blocks, s.Explode(s.BlockParticlePos(i))...)
		}
		g := s.Gradient(blocks, cfg.GetFDStep())
		for i, v := range g {
			fmt.Printf("d(ll)/d(pos[%d]) = %+.6e\n", i, v)
		}
	}
}
