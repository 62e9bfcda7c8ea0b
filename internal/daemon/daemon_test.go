package daemon

import (
	"testing"

	"go.uber.org/fx"
)

func TestModuleGraphValidates(t *testing.T) {
	if err := fx.ValidateApp(Module(Params{SessionName: "main"})); err != nil {
		t.Fatalf("dependency graph invalid: %v", err)
	}
}
