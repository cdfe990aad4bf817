package registry

// Host interface names exported to every extension that imports them.
const (
	IfaceLogging       = "logging"
	IfaceNotifications = "notifications"
	IfaceCommands      = "commands"
	IfaceLifecycle     = "lifecycle"
)

// HostInterfaceVersion is the version the built-in host interfaces are
// published at.
const HostInterfaceVersion = "1.0.0"

// Default returns a registry pre-populated with the built-in host
// interfaces. Registration of well-known schemas cannot fail.
func Default() *Registry {
	r := New()

	builtins := []struct {
		name string
		ops  []string
	}{
		{IfaceLogging, []string{"info", "warn", "error"}},
		{IfaceNotifications, []string{"show_info", "show_warning", "show_error"}},
		{IfaceCommands, []string{"register_command"}},
		{IfaceLifecycle, []string{"activation", "deactivation", "configuration_change"}},
	}

	for _, b := range builtins {
		if err := r.Register(b.name, HostInterfaceVersion, b.ops); err != nil {
			panic("registry: built-in interface registration failed: " + err.Error())
		}
	}

	return r
}
