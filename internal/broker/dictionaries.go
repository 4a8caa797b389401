package broker

// Word lists backing the dictionary schemes. Pseudonyms are uppercase with
// underscore separators so they satisfy the anonymous-name pattern the
// verifier accepts.

var adjectives = []string{
	"AGILE", "AMBER", "BOLD", "BRAVE", "BRIGHT", "BRISK", "CALM", "CLEVER",
	"DAPPER", "DEFT", "EAGER", "FLEET", "GENTLE", "GRAND", "HARDY", "HUMBLE",
	"KEEN", "LIVELY", "LOYAL", "MERRY", "NIMBLE", "NOBLE", "PATIENT", "PLACID",
	"PROUD", "QUIET", "RAPID", "SAGE", "SHARP", "SLEEK", "STEADY", "STERN",
	"STOUT", "SWIFT", "TRUSTY", "VIVID", "WARY", "WISE", "WITTY", "ZESTY",
}

var colors = []string{
	"AMBER", "AQUA", "AZURE", "BEIGE", "BRONZE", "CHROME", "COBALT", "CORAL",
	"CRIMSON", "CYAN", "EBONY", "EMERALD", "FAWN", "GOLD", "GRAY", "GREEN",
	"INDIGO", "IVORY", "JADE", "LILAC", "MAROON", "MAUVE", "NAVY", "OCHRE",
	"OLIVE", "ONYX", "PEARL", "PLUM", "RUBY", "RUSSET", "SABLE", "SCARLET",
	"SIENNA", "SILVER", "SLATE", "TEAL", "UMBER", "VIOLET", "WHEAT", "WHITE",
}

var animals = []string{
	"BADGER", "BISON", "CONDOR", "CRANE", "DINGO", "EGRET", "FALCON", "FERRET",
	"GANNET", "GECKO", "HERON", "IBEX", "JACKAL", "KESTREL", "KOALA", "LEMUR",
	"LYNX", "MARMOT", "MARTEN", "MOOSE", "NARWHAL", "OCELOT", "OSPREY", "OTTER",
	"PANTHER", "PLOVER", "PUFFIN", "QUOKKA", "RAVEN", "SERVAL", "SHRIKE", "STOAT",
	"TAPIR", "TERCEL", "VICUNA", "WALRUS", "WEASEL", "WOMBAT", "YAK", "ZEBRA",
}

var natoWords = []string{
	"ALFA", "BRAVO", "CHARLIE", "DELTA", "ECHO", "FOXTROT", "GOLF", "HOTEL",
	"INDIA", "JULIETT", "KILO", "LIMA", "MIKE", "NOVEMBER", "OSCAR", "PAPA",
	"QUEBEC", "ROMEO", "SIERRA", "TANGO", "UNIFORM", "VICTOR", "WHISKEY",
	"XRAY", "YANKEE", "ZULU",
}
