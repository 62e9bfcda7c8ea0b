package session

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work-account", "a", "user_2"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}

	invalid := []string{"", "Main", "with space", "dot.name", "日本語",
		"way-too-long-name-way-too-long-name-way-too-long-name-way-too-long-x"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) should fail", name)
		}
	}
}
