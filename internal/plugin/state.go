package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states. Deleted is terminal; everything between Loaded and
// Deleted can move both ways except that nothing leaves Deleted.
const (
	// StateDiscovered - the plugin directory was found and its manifest
	// validated, but the entry module is not resolved yet.
	StateDiscovered State = iota

	// StateLoaded - the entry module is compiled but no plugin code has
	// run.
	StateLoaded

	// StateEnabled - init completed and the plugin's resources are
	// registered.
	StateEnabled

	// StateDisabled - the plugin's resources are released and its
	// runtime is torn down.
	StateDisabled

	// StateDeleted - the plugin was removed from disk and from the
	// registry. Terminal.
	StateDeleted
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// IsEnabled reports whether the plugin is currently running.
func (s State) IsEnabled() bool {
	return s == StateEnabled
}
