package conflict

// Verdict classifies the conflict state of the credential's long-poll slot.
type Verdict int

const (
	// VerdictNone: the slot is free, safe to start polling.
	VerdictNone Verdict = iota

	// VerdictLocal: a poller on this host holds the slot.
	VerdictLocal

	// VerdictRemote: something not on this host holds the slot (another
	// long-poll client elsewhere, or a registered webhook).
	VerdictRemote

	// VerdictUnknown: the probe itself failed; no conflict evidence either way.
	VerdictUnknown
)

func (v Verdict) String() string {
	switch v {
	case VerdictNone:
		return "none"
	case VerdictLocal:
		return "local"
	case VerdictRemote:
		return "remote"
	default:
		return "unknown"
	}
}
