package xa

import "strings"

// Flags are the resource manager flags passed to start, end and recover.
type Flags int32

const (
	TMNoFlags    Flags = 0x00000000
	TMJoin       Flags = 0x00200000
	TMEndRScan   Flags = 0x00800000
	TMStartRScan Flags = 0x01000000
	TMSuspend    Flags = 0x02000000
	TMSuccess    Flags = 0x04000000
	TMResume     Flags = 0x08000000
	TMFail       Flags = 0x20000000
	TMOnePhase   Flags = 0x40000000
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{TMJoin, "TMJOIN"},
	{TMEndRScan, "TMENDRSCAN"},
	{TMStartRScan, "TMSTARTRSCAN"},
	{TMSuspend, "TMSUSPEND"},
	{TMSuccess, "TMSUCCESS"},
	{TMResume, "TMRESUME"},
	{TMFail, "TMFAIL"},
	{TMOnePhase, "TMONEPHASE"},
}

// Has reports whether all bits of o are set.
func (f Flags) Has(o Flags) bool { return f&o == o }

func (f Flags) String() string {
	if f == TMNoFlags {
		return "TMNOFLAGS"
	}
	var parts []string
	for _, n := range flagNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// Vote is the outcome of a successful prepare.
type Vote int

const (
	// VoteOK means the branch is prepared and awaits the outcome.
	VoteOK Vote = 0
	// VoteReadOnly means the branch did no work and has already completed.
	VoteReadOnly Vote = 3
)

func (v Vote) String() string {
	if v == VoteReadOnly {
		return "XA_RDONLY"
	}
	return "XA_OK"
}
