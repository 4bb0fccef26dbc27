package prompt

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	got, err := Render("Research {{program_name}} in {{state_code}}", Vars{
		"program_name": "SNAP",
		"state_code":   "CA",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Research SNAP in CA" {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderMissingVars(t *testing.T) {
	_, err := Render("{{program_name}} and {{white_label}}", Vars{"program_name": "SNAP"})
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), "white_label") {
		t.Errorf("error = %q, want it to name white_label", err)
	}
}

func TestRenderNoVars(t *testing.T) {
	got, err := Render("plain text", nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "plain text" {
		t.Errorf("Render = %q", got)
	}
}

func TestInstructionAllStages(t *testing.T) {
	vars := Vars{
		"program_name": "Test Benefit",
		"state_code":   "NY",
		"white_label":  "acme",
	}
	stages := []string{
		"gather_links",
		"read_screener_fields",
		"extract_criteria",
		"generate_tests",
		"convert_to_schema",
		"generate_config",
		"create_ticket",
	}
	for _, name := range stages {
		got, err := Instruction(name, vars)
		if err != nil {
			t.Fatalf("Instruction(%s): %v", name, err)
		}
		if strings.Contains(got, "{{") {
			t.Errorf("Instruction(%s) has unexpanded variables: %q", name, got)
		}
		if !strings.Contains(got, "Test Benefit") {
			t.Errorf("Instruction(%s) does not mention the program", name)
		}
	}
}

func TestInstructionUnknownStage(t *testing.T) {
	_, err := Instruction("no_such_stage", nil)
	if err == nil {
		t.Fatal("expected error for unknown stage")
	}
}
