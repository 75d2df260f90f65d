// Package estimation turns vegetation statistics and ground area into
// CO2 sequestration and biomass figures.
package estimation

import (
	"errors"
	"fmt"
	"math"

	"github.com/arnvptl/BlueLock/internal/models"
)

// ErrInvalidArea is returned when the ground area is not strictly positive.
var ErrInvalidArea = errors.New("invalid ground area")

// Params holds the empirical coefficients of the estimation models.
type Params struct {
	// CO2PerSqm is the kg of CO2 sequestered per square meter of effective vegetation
	CO2PerSqm float64

	// DensityMultiplier weights the vegetated area by density
	DensityMultiplier float64

	// BiomassCoefficient is the a in biomass = a * index^b (kg/m²)
	BiomassCoefficient float64

	// BiomassExponent is the b in biomass = a * index^b
	BiomassExponent float64
}

// DefaultParams returns the coefficients used when nothing is configured.
func DefaultParams() Params {
	return Params{
		CO2PerSqm:          0.5,
		DensityMultiplier:  1.2,
		BiomassCoefficient: 2.5,
		BiomassExponent:    2.0,
	}
}

// Estimator computes CO2 and biomass estimates. It holds no mutable state
// and is safe for concurrent use.
type Estimator struct {
	params Params
}

// NewEstimator creates an estimator with the given coefficients.
func NewEstimator(params Params) *Estimator {
	return &Estimator{params: params}
}

// Params returns the coefficients in use.
func (e *Estimator) Params() Params {
	return e.params
}

// CO2 estimates sequestered CO2 for an image covering areaSqm.
func (e *Estimator) CO2(areaSqm float64, stats models.VegetationStats) (models.CO2Estimate, error) {
	if err := checkArea(areaSqm); err != nil {
		return models.CO2Estimate{}, err
	}

	vegetated := areaSqm * stats.Coverage
	effective := vegetated * stats.Density * e.params.DensityMultiplier
	kg := effective * e.params.CO2PerSqm

	return models.CO2Estimate{
		CO2Kg:             kg,
		CO2Tons:           kg / 1000,
		VegetatedAreaSqm:  vegetated,
		EffectiveAreaSqm:  effective,
		CoveragePercent:   stats.Coverage * 100,
		DensityScore:      stats.Density,
		DensityMultiplier: e.params.DensityMultiplier,
		CO2PerSqmKg:       e.params.CO2PerSqm,
	}, nil
}

// Biomass estimates above-ground biomass from the mean index value.
// source names the index the mean came from and is recorded on the result.
func (e *Estimator) Biomass(areaSqm, meanIndex float64, source string) (models.BiomassEstimate, error) {
	if err := checkArea(areaSqm); err != nil {
		return models.BiomassEstimate{}, err
	}

	perSqm := e.params.BiomassCoefficient * math.Pow(math.Max(meanIndex, 0), e.params.BiomassExponent)
	total := perSqm * areaSqm

	return models.BiomassEstimate{
		BiomassPerSqmKg:  perSqm,
		TotalBiomassKg:   total,
		TotalBiomassTons: total / 1000,
		IndexMean:        meanIndex,
		IndexSource:      source,
	}, nil
}

func checkArea(areaSqm float64) error {
	if !(areaSqm > 0) || math.IsInf(areaSqm, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidArea, areaSqm)
	}
	return nil
}
