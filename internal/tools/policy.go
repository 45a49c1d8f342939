package tools

// checkPolicy enforces the inline execution policy: mode restriction
// and session liveness. Confirmation is deliberately absent — the
// descriptor flag is metadata for the calling surface, and latency
// budgets are observed by metrics, never enforced here.
func checkPolicy(d *Descriptor, inv *Invocation) *ToolError {
	if !modeAllowed(d, inv) {
		return NewError(KindModeRestricted,
			"tool %q is not available on this surface", d.ID)
	}
	if d.RequiresSession && !inv.Session.Active {
		return NewError(KindSessionInactive,
			"tool %q requires an active session", d.ID)
	}
	return nil
}

// modeAllowed reports whether any active capability is in the
// descriptor's allowed modes.
func modeAllowed(d *Descriptor, inv *Invocation) bool {
	for _, mode := range d.AllowedModes {
		if inv.HasCapability(mode) {
			return true
		}
	}
	return false
}
