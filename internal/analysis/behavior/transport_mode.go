package behavior

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/jengzang/records-timeline/internal/logger"
	"github.com/jengzang/records-timeline/internal/models"
)

// Speed resolution constants (km/h unless noted)
const (
	lowSpeedThreshold        = 20.0  // below this, GPS may read up to 2x or down to 1/1.3x the computed speed
	lowSpeedMinRatio         = 1.3   // gps >= calc / 1.3
	lowSpeedMaxRatio         = 2.0   // gps <= calc * 2.0
	highSpeedThreshold       = 200.0 // GPS average above this is always trusted
	maxRelativeDifference    = 0.5   // |gps - calc| / calc
	spikeFactor              = 5.0   // max > avg * 5 is a noise spike
	spikeReplacementFactor   = 1.5   // replacement max = avg * 1.5
	stoppedCalculatedSpeed   = 1.0   // computed average below this with...
	stoppedGPSSpeed          = 3.0   // ...GPS average above this means a car stopped while GPS drifted
	walkCorrectionMultiplier = 1.2   // WALK becomes CAR when computed speed > walkMaxMax * 1.2
)

// TripClassifier implements transport mode classification for timeline trips.
// Classification is a pure function of the trip's statistics and the config.
type TripClassifier struct {
	log zerolog.Logger
}

// NewTripClassifier creates a new trip classifier
func NewTripClassifier() *TripClassifier {
	return &TripClassifier{log: logger.Component("trip_classifier")}
}

// Classification is the result of classifying one trip
type Classification struct {
	MovementType       models.MovementType
	AvgSpeed           float64 // resolved average speed used by the tests
	MaxSpeed           float64 // resolved max speed used by the tests
	CalculatedAvgSpeed float64 // distance / duration
	GPSReliable        bool
	Trail              []string // human-readable explanation, diagnostics only
}

// resolvedSpeeds holds the speeds the priority tests run against
type resolvedSpeeds struct {
	avg        float64
	max        float64
	calculated float64
	variance   *float64
}

type checkOutcome int

const (
	notChecked checkOutcome = iota
	rejected
	matched
)

// modeTest is one entry of the priority list
type modeTest struct {
	mode  models.MovementType
	check func(s resolvedSpeeds, cfg *models.TimelineConfig) (checkOutcome, string)
}

// priorityTests are evaluated in order; the first match wins
var priorityTests = []modeTest{
	{models.MovementFlight, checkFlight},
	{models.MovementTrain, checkTrain},
	{models.MovementBicycle, checkBicycle},
	{models.MovementRunning, checkRunning},
	{models.MovementCar, checkCar},
	{models.MovementWalk, checkWalk},
}

// ClassifyTrips sets MovementType on every trip and returns the count per type
func (c *TripClassifier) ClassifyTrips(trips []*models.Trip, cfg *models.TimelineConfig) map[models.MovementType]int {
	counts := make(map[models.MovementType]int)
	for _, trip := range trips {
		result := c.Classify(trip, cfg)
		trip.MovementType = result.MovementType
		counts[result.MovementType]++

		c.log.Debug().
			Time("trip_start", trip.Timestamp).
			Str("movement_type", string(result.MovementType)).
			Float64("avg_speed", result.AvgSpeed).
			Float64("max_speed", result.MaxSpeed).
			Bool("gps_reliable", result.GPSReliable).
			Strs("trail", result.Trail).
			Msg("Classified trip")
	}
	return counts
}

// Classify resolves the trip's speeds and runs the priority tests.
// It never fails: modes with missing bounds are reported as not checked.
func (c *TripClassifier) Classify(trip *models.Trip, cfg *models.TimelineConfig) Classification {
	if cfg == nil {
		cfg = &models.TimelineConfig{}
	}

	speeds, reliable, trail := resolveSpeeds(trip)
	result := Classification{
		MovementType:       models.MovementUnknown,
		AvgSpeed:           speeds.avg,
		MaxSpeed:           speeds.max,
		CalculatedAvgSpeed: speeds.calculated,
		GPSReliable:        reliable,
		Trail:              trail,
	}

	decided := false
	for _, test := range priorityTests {
		if decided {
			result.Trail = append(result.Trail, fmt.Sprintf("%s: skipped", test.mode))
			continue
		}

		outcome, reason := test.check(speeds, cfg)
		switch outcome {
		case notChecked:
			result.Trail = append(result.Trail, fmt.Sprintf("%s: not checked (%s)", test.mode, reason))
		case rejected:
			result.Trail = append(result.Trail, fmt.Sprintf("%s: rejected (%s)", test.mode, reason))
		case matched:
			result.Trail = append(result.Trail, fmt.Sprintf("%s: matched (%s)", test.mode, reason))
			result.MovementType = test.mode
			decided = true
		}
	}

	if !decided {
		result.Trail = append(result.Trail, "UNKNOWN: no mode matched")
	}

	// Short trips with noisy GPS can look like a slow walk while the distance says otherwise
	if result.MovementType == models.MovementWalk && cfg.WalkingMaxMaxSpeed != nil {
		limit := *cfg.WalkingMaxMaxSpeed * walkCorrectionMultiplier
		if speeds.calculated > limit {
			result.Trail = append(result.Trail, fmt.Sprintf(
				"correction: WALK -> CAR (calculated avg %.2f > %.2f)", speeds.calculated, limit))
			result.MovementType = models.MovementCar
		}
	}

	return result
}

// CalculatedAvgSpeed returns distance / duration in km/h, or 0 for a zero-length trip
func CalculatedAvgSpeed(distanceMeters float64, durationSeconds int64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return (distanceMeters / 1000.0) / (float64(durationSeconds) / 3600.0)
}

// IsGPSAverageReliable decides whether the device-reported average should be
// trusted over the distance/duration speed
func IsGPSAverageReliable(gpsAvg *float64, calculated float64) bool {
	if gpsAvg == nil || *gpsAvg <= 0 || calculated <= 0 {
		return gpsAvg != nil && *gpsAvg > 0
	}

	gps := *gpsAvg
	switch {
	case calculated < lowSpeedThreshold:
		return gps >= calculated/lowSpeedMinRatio && gps <= calculated*lowSpeedMaxRatio
	case gps > highSpeedThreshold:
		return true
	default:
		return math.Abs(gps-calculated)/calculated <= maxRelativeDifference
	}
}

func resolveSpeeds(trip *models.Trip) (resolvedSpeeds, bool, []string) {
	stats := trip.Statistics
	calculated := CalculatedAvgSpeed(trip.DistanceMeters, trip.DurationSeconds)
	reliable := IsGPSAverageReliable(stats.AvgGPSSpeed, calculated)

	speeds := resolvedSpeeds{calculated: calculated, variance: stats.SpeedVariance}
	var trail []string

	switch {
	case reliable:
		speeds.avg = *stats.AvgGPSSpeed
		speeds.max = capSpike(stats.MaxGPSSpeed, speeds.avg)
		trail = append(trail, fmt.Sprintf("speeds: GPS average %.2f reliable (calculated %.2f)", speeds.avg, calculated))
	case calculated < stoppedCalculatedSpeed && stats.AvgGPSSpeed != nil && *stats.AvgGPSSpeed > stoppedGPSSpeed:
		speeds.avg = *stats.AvgGPSSpeed
		speeds.max = capSpike(stats.MaxGPSSpeed, speeds.avg)
		trail = append(trail, fmt.Sprintf("speeds: calculated %.2f near zero, trusting GPS average %.2f", calculated, speeds.avg))
	default:
		speeds.avg = calculated
		switch {
		case stats.MaxGPSSpeed == nil || *stats.MaxGPSSpeed <= 0:
			speeds.max = calculated
		case *stats.MaxGPSSpeed > calculated*spikeFactor:
			speeds.max = calculated * spikeReplacementFactor
		default:
			speeds.max = *stats.MaxGPSSpeed
		}
		trail = append(trail, fmt.Sprintf("speeds: GPS average unreliable, using calculated %.2f", calculated))
	}

	trail = append(trail, fmt.Sprintf("speeds: avg %.2f, max %.2f", speeds.avg, speeds.max))
	return speeds, reliable, trail
}

// capSpike replaces a missing or spiking GPS max with avg * 1.5
func capSpike(gpsMax *float64, avg float64) float64 {
	if gpsMax == nil || *gpsMax > avg*spikeFactor {
		return avg * spikeReplacementFactor
	}
	return *gpsMax
}

func checkFlight(s resolvedSpeeds, cfg *models.TimelineConfig) (checkOutcome, string) {
	if !cfg.FlightEnabled {
		return notChecked, "disabled"
	}
	if cfg.FlightMinAvgSpeed == nil || cfg.FlightMinMaxSpeed == nil {
		return notChecked, "missing bounds"
	}
	if s.avg >= *cfg.FlightMinAvgSpeed || s.max >= *cfg.FlightMinMaxSpeed {
		return matched, fmt.Sprintf("avg %.2f >= %.2f or max %.2f >= %.2f", s.avg, *cfg.FlightMinAvgSpeed, s.max, *cfg.FlightMinMaxSpeed)
	}
	return rejected, fmt.Sprintf("avg %.2f < %.2f and max %.2f < %.2f", s.avg, *cfg.FlightMinAvgSpeed, s.max, *cfg.FlightMinMaxSpeed)
}

func checkTrain(s resolvedSpeeds, cfg *models.TimelineConfig) (checkOutcome, string) {
	if !cfg.TrainEnabled {
		return notChecked, "disabled"
	}
	if cfg.TrainMinAvgSpeed == nil || cfg.TrainMaxAvgSpeed == nil || cfg.TrainMinMaxSpeed == nil ||
		cfg.TrainMaxMaxSpeed == nil || cfg.TrainMaxSpeedVariance == nil {
		return notChecked, "missing bounds"
	}
	if !within(s.avg, *cfg.TrainMinAvgSpeed, *cfg.TrainMaxAvgSpeed) {
		return rejected, fmt.Sprintf("avg %.2f outside [%.2f, %.2f]", s.avg, *cfg.TrainMinAvgSpeed, *cfg.TrainMaxAvgSpeed)
	}
	if !within(s.max, *cfg.TrainMinMaxSpeed, *cfg.TrainMaxMaxSpeed) {
		return rejected, fmt.Sprintf("max %.2f outside [%.2f, %.2f]", s.max, *cfg.TrainMinMaxSpeed, *cfg.TrainMaxMaxSpeed)
	}
	if s.variance == nil {
		return rejected, "no speed variance"
	}
	if *s.variance >= *cfg.TrainMaxSpeedVariance {
		return rejected, fmt.Sprintf("variance %.2f >= %.2f", *s.variance, *cfg.TrainMaxSpeedVariance)
	}
	return matched, fmt.Sprintf("avg %.2f, max %.2f, variance %.2f within bounds", s.avg, s.max, *s.variance)
}

func checkBicycle(s resolvedSpeeds, cfg *models.TimelineConfig) (checkOutcome, string) {
	if !cfg.BicycleEnabled {
		return notChecked, "disabled"
	}
	return checkBand(s, cfg.BicycleMinAvgSpeed, cfg.BicycleMaxAvgSpeed, cfg.BicycleMaxMaxSpeed)
}

func checkRunning(s resolvedSpeeds, cfg *models.TimelineConfig) (checkOutcome, string) {
	if !cfg.RunningEnabled {
		return notChecked, "disabled"
	}
	return checkBand(s, cfg.RunningMinAvgSpeed, cfg.RunningMaxAvgSpeed, cfg.RunningMaxMaxSpeed)
}

// checkBand tests avg within [minAvg, maxAvg] and max <= maxMax
func checkBand(s resolvedSpeeds, minAvg, maxAvg, maxMax *float64) (checkOutcome, string) {
	if minAvg == nil || maxAvg == nil || maxMax == nil {
		return notChecked, "missing bounds"
	}
	if !within(s.avg, *minAvg, *maxAvg) {
		return rejected, fmt.Sprintf("avg %.2f outside [%.2f, %.2f]", s.avg, *minAvg, *maxAvg)
	}
	if s.max > *maxMax {
		return rejected, fmt.Sprintf("max %.2f > %.2f", s.max, *maxMax)
	}
	return matched, fmt.Sprintf("avg %.2f within [%.2f, %.2f], max %.2f <= %.2f", s.avg, *minAvg, *maxAvg, s.max, *maxMax)
}

func checkCar(s resolvedSpeeds, cfg *models.TimelineConfig) (checkOutcome, string) {
	if cfg.CarMinAvgSpeed == nil || cfg.CarMinMaxSpeed == nil {
		return notChecked, "missing bounds"
	}
	if s.avg >= *cfg.CarMinAvgSpeed || s.max >= *cfg.CarMinMaxSpeed {
		return matched, fmt.Sprintf("avg %.2f >= %.2f or max %.2f >= %.2f", s.avg, *cfg.CarMinAvgSpeed, s.max, *cfg.CarMinMaxSpeed)
	}
	return rejected, fmt.Sprintf("avg %.2f < %.2f and max %.2f < %.2f", s.avg, *cfg.CarMinAvgSpeed, s.max, *cfg.CarMinMaxSpeed)
}

func checkWalk(s resolvedSpeeds, cfg *models.TimelineConfig) (checkOutcome, string) {
	if cfg.WalkingMaxAvgSpeed == nil || cfg.WalkingMaxMaxSpeed == nil {
		return notChecked, "missing bounds"
	}
	if s.avg <= *cfg.WalkingMaxAvgSpeed && s.max <= *cfg.WalkingMaxMaxSpeed {
		return matched, fmt.Sprintf("avg %.2f <= %.2f and max %.2f <= %.2f", s.avg, *cfg.WalkingMaxAvgSpeed, s.max, *cfg.WalkingMaxMaxSpeed)
	}
	return rejected, fmt.Sprintf("avg %.2f or max %.2f above walking limits", s.avg, s.max)
}

func within(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
