package converter

import "testing"

func TestIsSkillInjection(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"Base directory for this skill: /workspace/skills/pdf-tools", true},
		{"Call read_skill_file with skill=pdf-tools to load more", true},
		{"# PDF Processing Skill\nInstructions follow.", true},
		{"What is the weather today?", false},
		{"# Heading\nNot about that topic.", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isSkillInjection(tc.content); got != tc.want {
			t.Errorf("isSkillInjection(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestSkillName(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"Base directory for this skill: /workspace/skills/pdf-tools\nmore", "pdf-tools"},
		{"see /opt/skills/data-viz/SKILL.md", "data-viz"},
		{"# PDF Processing Skill\nbody", "pdf-processing-skill"},
		{"no markers at all", "unknown"},
	}
	for _, tc := range cases {
		if got := skillName(tc.content); got != tc.want {
			t.Errorf("skillName(%q) = %q, want %q", tc.content, got, tc.want)
		}
	}
}

func TestDashedLower(t *testing.T) {
	if got := dashedLower("PDF  Processing (Skill)!"); got != "pdf-processing-skill" {
		t.Errorf("dashedLower = %q", got)
	}
}
