package policy

import "time"

// Presets returns the built-in policies keyed by id. Deployments may
// override or extend these via the configuration loader.
func Presets() map[string]*Policy {
	policies := []*Policy{
		{
			ID:          "default",
			Name:        "Default",
			Description: "Read-heavy analysis with auto admission and a shell deny list",
			AllowedTools: []string{
				"Read", "Grep", "Glob", "Edit", "Write", "Bash",
			},
			DisallowedTools: []string{
				"shell.rm", "shell.sudo", "WebFetch",
			},
			Mode: ModeAuto,
			Limits: ResourceLimits{
				MaxExecution: 2 * time.Minute,
				MaxCostUSD:   0.50,
				MaxMemoryMB:  2048,
			},
			Sandbox: SandboxConfig{
				DropCapabilities: []string{"CAP_NET_RAW", "CAP_SYS_ADMIN"},
				PidLimit:         256,
				FDLimit:          1024,
			},
		},
		{
			ID:          "build-safe",
			Name:        "Build Safe",
			Description: "Allows builds and tests, asks before shell usage",
			AllowedTools: []string{
				"Read", "Grep", "Glob", "Edit", "Write", "Bash",
			},
			DisallowedTools: []string{
				"shell.rm", "shell.sudo",
			},
			ApprovalRequired: []string{"Bash"},
			Mode:             ModePrompt,
			Limits: ResourceLimits{
				MaxExecution: 3 * time.Minute,
				MaxCostUSD:   1.00,
				MaxMemoryMB:  4096,
			},
			FileRules: []FileRule{
				{Prefix: "/etc", Allow: false},
				{Prefix: "/usr", Allow: false},
			},
			Sandbox: SandboxConfig{
				DropCapabilities: []string{"CAP_NET_RAW", "CAP_SYS_ADMIN"},
				PidLimit:         512,
				FDLimit:          2048,
			},
		},
		{
			ID:          "read-only",
			Name:        "Read Only",
			Description: "Analysis without any mutation; everything else denied",
			AllowedTools: []string{
				"Read", "Grep", "Glob",
			},
			DisallowedTools: []string{
				"Edit", "Write", "Bash", "shell.*",
			},
			Mode: ModeAuto,
			Limits: ResourceLimits{
				MaxExecution: time.Minute,
				MaxCostUSD:   0.25,
				MaxMemoryMB:  1024,
			},
			NetworkRules: []NetworkRule{
				{HostPattern: "*", Allow: false},
			},
			Sandbox: SandboxConfig{
				DropCapabilities: []string{"CAP_NET_RAW", "CAP_SYS_ADMIN", "CAP_CHOWN"},
				ReadOnlyPaths:    []string{"/"},
				PidLimit:         128,
				FDLimit:          512,
			},
		},
	}

	out := make(map[string]*Policy, len(policies))
	for _, p := range policies {
		out[p.ID] = p
	}
	return out
}
