package dicom

// Transfer syntax UIDs the codec distinguishes. Every encapsulated
// (compressed pixel data) syntax encodes its dataset with explicit VR
// little endian, so the codec only needs to special-case the two below.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
)

// longVRs use the 12-byte explicit element header: VR(2) + reserved(2) +
// length(4). Everything else uses VR(2) + length(2).
var longVRs = map[string]bool{
	"OB": true,
	"OD": true,
	"OF": true,
	"OL": true,
	"OV": true,
	"OW": true,
	"SQ": true,
	"UC": true,
	"UN": true,
	"UR": true,
	"UT": true,
}

// textVRs are padded to even length with a trailing space; all other VRs
// (including UI) pad with a NUL byte.
var textVRs = map[string]bool{
	"AE": true,
	"AS": true,
	"CS": true,
	"DA": true,
	"DS": true,
	"DT": true,
	"IS": true,
	"LO": true,
	"LT": true,
	"PN": true,
	"SH": true,
	"ST": true,
	"TM": true,
	"UC": true,
	"UR": true,
	"UT": true,
}

func isLongVR(vr string) bool { return longVRs[vr] }

func padByte(vr string) byte {
	if textVRs[vr] {
		return ' '
	}
	return 0x00
}

// validVR reports whether b holds two uppercase ASCII letters. Used to
// detect implicit-VR data fed to the explicit-VR reader.
func validVR(b []byte) bool {
	if len(b) != 2 {
		return false
	}
	for _, c := range b {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
