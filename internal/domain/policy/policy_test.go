package policy

import "testing"

func TestValidateRejectsOverlap(t *testing.T) {
	p := &Policy{
		ID:              "x",
		Mode:            ModeAuto,
		AllowedTools:    []string{"Read", "Bash"},
		DisallowedTools: []string{"Bash"},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for overlapping allow/deny sets")
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	p := &Policy{ID: "x", Mode: "yolo"}
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for invalid permission mode")
	}
}

func TestToolAllowed(t *testing.T) {
	p := &Policy{
		ID:              "x",
		Mode:            ModeAuto,
		AllowedTools:    []string{"Read", "Grep", "mcp:filesystem:*"},
		DisallowedTools: []string{"shell.rm", "shell.sudo"},
	}

	tests := []struct {
		tool string
		want bool
	}{
		{"Read", true},
		{"Grep", true},
		{"mcp:filesystem:read_file", true},
		{"Bash", false},
		{"shell.rm", false},
	}
	for _, tt := range tests {
		if got := p.ToolAllowed(tt.tool); got != tt.want {
			t.Errorf("ToolAllowed(%q) = %v, want %v", tt.tool, got, tt.want)
		}
	}
}

func TestDisallowWinsOverWildcardAllow(t *testing.T) {
	p := &Policy{
		ID:              "x",
		Mode:            ModeAuto,
		AllowedTools:    []string{"*"},
		DisallowedTools: []string{"shell.*"},
	}
	if p.ToolAllowed("shell.rm") {
		t.Fatal("deny pattern must win over wildcard allow")
	}
	if !p.ToolAllowed("Read") {
		t.Fatal("wildcard allow should pass Read")
	}
}

func TestEmptyAllowListPassesNonDisallowed(t *testing.T) {
	p := &Policy{ID: "x", Mode: ModeAuto, DisallowedTools: []string{"Bash"}}
	if !p.ToolAllowed("AnythingElse") {
		t.Fatal("empty allow list should pass non-disallowed tools")
	}
	if p.ToolAllowed("Bash") {
		t.Fatal("disallowed tool must be blocked")
	}
}

func TestDisallowedIn(t *testing.T) {
	p := &Policy{
		ID:              "x",
		Mode:            ModeAuto,
		DisallowedTools: []string{"shell.rm", "shell.sudo", "mcp:net:*"},
	}

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"literal reference", "about to invoke shell.rm on the temp dir", []string{"shell.rm"}},
		{"case insensitive", "running SHELL.RM next", []string{"shell.rm"}},
		{"glob literal prefix", "the mcp:net:fetch tool can grab the page", []string{"mcp:net:*"}},
		{"multiple hits", "shell.rm then shell.sudo cleanup", []string{"shell.rm", "shell.sudo"}},
		{"clean content", "removed the files with the approved helper", nil},
	}
	for _, tt := range tests {
		got := p.DisallowedIn(tt.content)
		if len(got) != len(tt.want) {
			t.Errorf("%s: DisallowedIn = %v, want %v", tt.name, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: DisallowedIn = %v, want %v", tt.name, got, tt.want)
				break
			}
		}
	}
}

func TestPathRulesFirstMatchWins(t *testing.T) {
	p := &Policy{
		ID:   "x",
		Mode: ModeAuto,
		FileRules: []FileRule{
			{Prefix: "/workspace/generated", Allow: false},
			{Prefix: "/workspace", Allow: true},
			{Prefix: "/", Allow: false},
		},
	}
	if p.PathAllowed("/workspace/generated/out.go") {
		t.Fatal("generated path should be denied")
	}
	if !p.PathAllowed("/workspace/src/main.go") {
		t.Fatal("workspace path should be allowed")
	}
	if p.PathAllowed("/etc/passwd") {
		t.Fatal("fallback deny should apply")
	}
}

func TestHostRules(t *testing.T) {
	p := &Policy{
		ID:   "x",
		Mode: ModeAuto,
		NetworkRules: []NetworkRule{
			{HostPattern: "*.internal", Allow: true},
			{HostPattern: "*", Allow: false},
		},
	}
	if !p.HostAllowed("registry.internal") {
		t.Fatal("internal host should be allowed")
	}
	if p.HostAllowed("example.com") {
		t.Fatal("external host should be denied")
	}
}

func TestPresetsAreValid(t *testing.T) {
	presets := Presets()
	for _, id := range []string{"default", "build-safe", "read-only"} {
		p, ok := presets[id]
		if !ok {
			t.Fatalf("missing preset %q", id)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("preset %q invalid: %v", id, err)
		}
	}
	if presets["read-only"].ToolAllowed("Write") {
		t.Fatal("read-only preset must not allow Write")
	}
	if !presets["build-safe"].NeedsApproval("Bash") {
		t.Fatal("build-safe preset should require approval for Bash")
	}
}
