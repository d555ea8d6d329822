package quality

// Kernel flags SPK and CK files by the state of the packets they were made
// from. Values are stored in spk_ck_file.quality_flag.
var Kernel = MustDefine("KernelQuality",
	Member{Name: "SSC_GAPS", Value: 1 << 0, Message: "Input packets have source sequence counter gaps."},
	Member{Name: "EDOS_FILL", Value: 1 << 1, Message: "Input packets contain EDOS generated fill data."},
	Member{Name: "LENGTH_DISCREPANCY", Value: 1 << 2, Message: "Input packets have length discrepancies."},
	Member{Name: "NO_CONSTRUCTION_RECORD", Value: 1 << 3, Message: "An input file has no ingested construction record."},
)

// InputCounts totals problems reported by the construction records of a
// kernel's input files.
type InputCounts struct {
	SSCGaps             int
	FillData            int
	LengthDiscrepancies int
	MissingRecords      int
}

// KernelFlag maps input problem counts to a Kernel flag.
func KernelFlag(c InputCounts) Flag {
	var v uint64
	if c.SSCGaps > 0 {
		v |= 1 << 0
	}
	if c.FillData > 0 {
		v |= 1 << 1
	}
	if c.LengthDiscrepancies > 0 {
		v |= 1 << 2
	}
	if c.MissingRecords > 0 {
		v |= 1 << 3
	}
	return Flag{def: Kernel, value: v}
}
