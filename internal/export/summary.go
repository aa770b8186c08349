package export

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
)

// Summary is the statistical digest of one finished bin. It is the unit
// written to InfluxDB, recorded in the history table and published on
// the bin MQTT topic.
type Summary struct {
	// ID uniquely identifies this summary across restarts.
	ID string `json:"id"`

	// Channel is the measurement channel the bin belongs to.
	Channel string `json:"channel"`

	Min  float64 `json:"min"`
	P20  float64 `json:"p20"`
	Mean float64 `json:"mean"`
	P80  float64 `json:"p80"`
	Max  float64 `json:"max"`

	// Count is the number of points the bin held when it flushed.
	Count int `json:"count"`

	// Time is when the bin was summarised, to millisecond precision.
	Time time.Time `json:"time"`
}

// Summarize computes the statistical digest of a finished bin.
//
// From five points up the tails use the interpolated percentile
// estimator; shorter bins, which timeout flushes produce on quiet
// channels, use the nearest-rank method so every non-empty bin
// summarises.
//
// Parameters:
//   - channel: Channel the bin belongs to
//   - points: The bin's samples, in arrival order
//   - at: Summary timestamp (normally the dequeue time)
//
// Returns:
//   - Summary: Digest with a fresh unique ID
//   - error: ErrEmptyBin if points is empty
func Summarize(channel string, points []float64, at time.Time) (Summary, error) {
	if len(points) == 0 {
		return Summary{}, ErrEmptyBin
	}

	data := stats.Float64Data(points)

	minVal, err := data.Min()
	if err != nil {
		return Summary{}, fmt.Errorf("computing min: %w", err)
	}
	p20, err := percentile(data, 20)
	if err != nil {
		return Summary{}, fmt.Errorf("computing p20: %w", err)
	}
	mean, err := data.Mean()
	if err != nil {
		return Summary{}, fmt.Errorf("computing mean: %w", err)
	}
	p80, err := percentile(data, 80)
	if err != nil {
		return Summary{}, fmt.Errorf("computing p80: %w", err)
	}
	maxVal, err := data.Max()
	if err != nil {
		return Summary{}, fmt.Errorf("computing max: %w", err)
	}

	return Summary{
		ID:      uuid.New().String(),
		Channel: channel,
		Min:     minVal,
		P20:     p20,
		Mean:    mean,
		P80:     p80,
		Max:     maxVal,
		Count:   len(points),
		Time:    at,
	}, nil
}

// interpolatedMinPoints is the smallest bin the interpolated percentile
// estimator accepts: below five points the p20 rank index falls inside
// the first order statistic and montanaflynn/stats rejects it.
const interpolatedMinPoints = 5

// percentile computes the pth percentile of data. Short bins use the
// nearest-rank method for both tails rather than mixing estimators
// within one summary.
func percentile(data stats.Float64Data, p float64) (float64, error) {
	if len(data) < interpolatedMinPoints {
		return data.PercentileNearestRank(p)
	}
	return data.Percentile(p)
}
