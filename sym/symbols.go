// Package sym defines canonical symbols for checkrun commands, run stages and
// run outcomes. These symbols are stable across CLI output, log fields and
// notification messages.
package sym

// Command glyphs, one per top-level CLI command.
const (
	Run      = "▶" // run: execute a module under a profile
	Runs     = "☰" // runs: browse and manage persisted runs
	Cases    = "⧉" // cases: versioned test case settings
	Profiles = "⚙" // profiles: saved run profiles
	Modules  = "⬡" // modules: registered check modules
	AM       = "≡" // am: configuration and system settings
)

// Outcome glyphs for terminal run statuses.
const (
	Success  = "✓"
	Partial  = "◐"
	Failed   = "✗"
	Canceled = "⊘"
	Stopped  = "■"
	Running  = "…"
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // worker pool, iteration budget, rate limiting
	PulseOpen  = "✿" // run start, orphaned run recovery
	PulseClose = "❀" // run finalization and persistence
	DB         = "⊔" // database/storage layer
	Notify     = "✉" // outbound notifications
)

// entry binds a glyph to its command and description.
type entry struct {
	glyph       string
	command     string
	label       string
	description string
}

// registry is the canonical list of command symbols, in palette order.
var registry = []entry{
	{Run, "run", "Run", "Execute a check module under a run profile"},
	{Runs, "runs", "Runs", "List, inspect, replay and clean up runs"},
	{Cases, "cases", "Cases", "Save and version test case settings"},
	{Profiles, "profiles", "Profiles", "Manage saved run profiles"},
	{Modules, "modules", "Modules", "List registered check modules"},
	{AM, "am", "Configuration", "System settings and state"},
}

// PaletteOrder defines the canonical ordering of command glyphs for help output.
var PaletteOrder []string

// SymbolToCommand maps glyph strings to their text command equivalents.
var SymbolToCommand map[string]string

// CommandToSymbol maps text commands to their canonical glyph strings.
var CommandToSymbol map[string]string

// CommandDescriptions provides human-readable explanations for help output.
var CommandDescriptions map[string]string

func init() {
	PaletteOrder = make([]string, 0, len(registry))
	SymbolToCommand = make(map[string]string, len(registry))
	CommandToSymbol = make(map[string]string, len(registry))
	CommandDescriptions = make(map[string]string, len(registry))
	for _, e := range registry {
		PaletteOrder = append(PaletteOrder, e.glyph)
		SymbolToCommand[e.glyph] = e.command
		CommandToSymbol[e.command] = e.glyph
		CommandDescriptions[e.command] = e.label + ": " + e.description
	}
}

// ForStatus returns the outcome glyph for a run status name.
// Unknown statuses map to Running.
func ForStatus(status string) string {
	switch status {
	case "Success":
		return Success
	case "Partial":
		return Partial
	case "Failed":
		return Failed
	case "Canceled":
		return Canceled
	case "Stopped":
		return Stopped
	default:
		return Running
	}
}
