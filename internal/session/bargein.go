package session

// Barge-in detection: while the model is speaking, a run of consecutive loud
// volume samples means the user is talking over it. The consecutive-sample
// requirement rejects single transients (a cough, a door slam) that would
// otherwise cancel speech. With the default ~30ms sampling cadence, five
// consecutive samples resolve in ~150ms, inside the 200ms budget for cutting
// playback.

const (
	// DefaultBargeInThreshold is the volume level counted as "talking over".
	// Deliberately higher than the speech threshold used for end-of-turn
	// detection, since playback bleed raises the ambient level.
	DefaultBargeInThreshold = 0.05

	// DefaultBargeInSamples is the consecutive loud samples required.
	DefaultBargeInSamples = 5
)

// bargeInDetector debounces the volume signal into a single barge-in
// decision. It fires at most once per model response; Reset re-arms it.
//
// Not safe for concurrent use; the orchestration loop is its only caller.
type bargeInDetector struct {
	threshold float64
	required  int

	run   int
	fired bool
}

func newBargeInDetector(threshold float64, required int) *bargeInDetector {
	if threshold <= 0 {
		threshold = DefaultBargeInThreshold
	}
	if required <= 0 {
		required = DefaultBargeInSamples
	}
	return &bargeInDetector{threshold: threshold, required: required}
}

// observe feeds one volume sample and reports whether this sample completed
// the debounce window. Returns true exactly once per armed period.
func (d *bargeInDetector) observe(level float64) bool {
	if d.fired {
		return false
	}
	if level < d.threshold {
		d.run = 0
		return false
	}
	d.run++
	if d.run < d.required {
		return false
	}
	d.fired = true
	return true
}

// reset re-arms the detector for the next model response.
func (d *bargeInDetector) reset() {
	d.run = 0
	d.fired = false
}
