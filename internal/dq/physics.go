package dq

// IsPhysicsRun reports whether the record holds exactly the physics processors:
// all four of trigger, time, run and PMT, and neither calibration processor.
// A nil record is not a physics run.
func IsPhysicsRun(rec *CheckRecord) bool {
	if rec == nil {
		return false
	}
	if rec.Has(Tellie) || rec.Has(Smellie) {
		return false
	}
	for _, p := range PhysicsProcessors {
		if !rec.Has(p) {
			return false
		}
	}
	return true
}
