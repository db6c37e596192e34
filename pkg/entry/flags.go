package entry

// ObjectClassFlags is a bitfield summarizing an entry's objectClass
// values, computed once by the schema front-end (opctx) and consulted
// by the write orchestrator so it never has to re-scan objectClass
// values mid-transaction.
type ObjectClassFlags uint8

const (
	FlagTop ObjectClassFlags = 1 << iota
	FlagAlias
	FlagReferral
	FlagSubentry
	FlagGlue
)

func (f ObjectClassFlags) Has(bit ObjectClassFlags) bool { return f&bit != 0 }

// ComputeFlags derives ObjectClassFlags from an entry's objectClass
// attribute values.
func ComputeFlags(objectClasses []string) ObjectClassFlags {
	var f ObjectClassFlags
	for _, oc := range objectClasses {
		switch {
		case equalFold(oc, "top"):
			f |= FlagTop
		case equalFold(oc, "alias"):
			f |= FlagAlias
		case equalFold(oc, "referral"):
			f |= FlagReferral
		case equalFold(oc, "subentry"):
			f |= FlagSubentry
		case equalFold(oc, "glue"):
			f |= FlagGlue
		}
	}
	return f
}
