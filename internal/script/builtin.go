package script

// Built-in scripts compiled into the binary. They are immutable: the
// library rejects updates and deletes against them.

const builtinBasic = `// Basic de-identification profile.
// Replaces patient identity, clears contact and operator fields, and
// hashes the instance hierarchy UIDs.
(0010,0010) := "ANONYMOUS"
(0010,0020) := "ANON"
(0010,0030) := ""
(0010,1040) := ""
(0008,0050) := ""
(0008,0080) := ""
(0008,0090) := ""
(0008,1070) := ""
(0020,000D) := hashUID[(0020,000D)]
(0020,000E) := hashUID[(0020,000E)]
(0008,0018) := hashUID[(0008,0018)]
(0012,0062) := "YES"
(0012,0063) := "radgate builtin-basic"
`

const builtinResearch = `// Research profile: subject-style identity, 30-day date shift.
(0010,0010) := "SUBJECT"
(0010,0020) := "SUBJECT"
(0010,0030) := ""
(0010,1040) := ""
(0008,0050) := ""
(0008,0080) := ""
(0008,0090) := ""
(0008,1070) := ""
(0008,0020) := shiftDateTimeByIncrement[(0008,0020),"-30","days"]
(0008,0021) := shiftDateTimeByIncrement[(0008,0021),"-30","days"]
(0008,0022) := shiftDateTimeByIncrement[(0008,0022),"-30","days"]
(0008,0023) := shiftDateTimeByIncrement[(0008,0023),"-30","days"]
(0020,000D) := hashUID[(0020,000D)]
(0020,000E) := hashUID[(0020,000E)]
(0008,0018) := hashUID[(0008,0018)]
(0012,0062) := "YES"
(0012,0063) := "radgate builtin-research"
`

const builtinDates = `// Date-shift profile for broker-backed routes: identity substitution is
// supplied by the honest broker, so this script only shifts dates and
// hashes UIDs. The shift amounts below are placeholders; a broker-managed
// execution overrides them with the patient's allocated shift.
(0010,0030) := shiftDateTimeByIncrement[(0010,0030),"0","days"]
(0008,0020) := shiftDateTimeByIncrement[(0008,0020),"0","days"]
(0008,0021) := shiftDateTimeByIncrement[(0008,0021),"0","days"]
(0008,0022) := shiftDateTimeByIncrement[(0008,0022),"0","days"]
(0008,0023) := shiftDateTimeByIncrement[(0008,0023),"0","days"]
(0020,000D) := hashUID[(0020,000D)]
(0020,000E) := hashUID[(0020,000E)]
(0008,0018) := hashUID[(0008,0018)]
(0012,0062) := "YES"
(0012,0063) := "radgate builtin-dates"
`

type builtinDef struct {
	name        string
	displayName string
	description string
	content     string
}

var builtins = []builtinDef{
	{
		name:        "builtin-basic",
		displayName: "Basic de-identification",
		description: "Replaces patient identity with ANONYMOUS/ANON and hashes instance UIDs.",
		content:     builtinBasic,
	},
	{
		name:        "builtin-research",
		displayName: "Research subject profile",
		description: "Subject-style identity with a fixed 30-day backwards date shift.",
		content:     builtinResearch,
	},
	{
		name:        "builtin-dates",
		displayName: "Broker date-shift profile",
		description: "Date shifting and UID hashing only; identity comes from the honest broker.",
		content:     builtinDates,
	},
}
