package dq

// Processor names a DQHL processor as it appears under "checks" in a run document.
type Processor string

const (
	Trigger Processor = "dqtriggerproc"
	Time    Processor = "dqtimeproc"
	RunMeta Processor = "dqrunproc"
	PMT     Processor = "dqpmtproc"

	// Calibration processors; a run carrying either is not a physics run.
	Tellie  Processor = "dqtellieproc"
	Smellie Processor = "dqsmellieprocproc"
)

// PhysicsProcessors are the four processors evaluated for every physics run, in report order.
var PhysicsProcessors = [4]Processor{Trigger, Time, RunMeta, PMT}

// Short returns the column label used in reports and API payloads.
func (p Processor) Short() string {
	switch p {
	case Trigger:
		return "trigger"
	case Time:
		return "time"
	case RunMeta:
		return "run"
	case PMT:
		return "pmt"
	default:
		return string(p)
	}
}

// Track selects which generation of criteria is applied.
type Track string

const (
	// Original reproduces the criteria in force when the data was first processed.
	Original Track = "original"
	// Amended applies the corrected criteria retroactively.
	Amended Track = "amended"
)

// Tracks lists both tracks in report order (amended first, as in the run list).
var Tracks = [2]Track{Amended, Original}

func (t Track) Valid() bool {
	return t == Original || t == Amended
}

// Verdict is the outcome for one processor or one run under one track.
type Verdict string

const (
	Pass        Verdict = "pass"
	Fail        Verdict = "fail"
	Unavailable Verdict = "unavailable"
)

func (v Verdict) Valid() bool {
	switch v {
	case Pass, Fail, Unavailable:
		return true
	}
	return false
}

// Digit renders the verdict the way the run list prints it: 1 pass, 0 fail, 9 unavailable.
func (v Verdict) Digit() int {
	switch v {
	case Pass:
		return 1
	case Fail:
		return 0
	default:
		return 9
	}
}

// FromBool maps a predicate result onto Pass/Fail.
func FromBool(ok bool) Verdict {
	if ok {
		return Pass
	}
	return Fail
}
