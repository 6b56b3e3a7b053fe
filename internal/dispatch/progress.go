package dispatch

import (
	"time"

	"github.com/livinlefevreloca/ghastats/internal/collector"
)

// computeProgress derives the ETA from the phase's own throughput. elapsed
// is reported as is; phaseElapsed drives the rate.
func computeProgress(phase collector.Phase, processed, estimatedTotal int, elapsed, phaseElapsed time.Duration) ProgressPayload {
	p := ProgressPayload{
		Phase:          phase,
		Processed:      processed,
		EstimatedTotal: estimatedTotal,
		ElapsedSeconds: elapsed.Seconds(),
	}

	if phaseElapsed <= 0 || processed <= 0 {
		return p
	}
	rate := float64(processed) / phaseElapsed.Seconds()
	if rate > 0 && estimatedTotal > processed {
		eta := float64(estimatedTotal-processed) / rate
		p.ETASeconds = &eta
	}
	return p
}
