package ctl

import "context"

func runUnitTests(ctx context.Context) error {
	info("==== Run Go tests ====")
	return RunCmd(ctx, Cmd{Path: "go", Args: []string{"test", "-short", "./..."}, Stream: true})
}

func runBlackboxTests(ctx context.Context) error {
	info("==== Run blackbox tests ====")
	return RunCmd(ctx, Cmd{Path: "go", Args: []string{"test", "-count=1", "-v", "./tests/blackbox/..."}, Stream: true})
}

// runEngineTests builds the llama-backed engine; model is exported to the
// tests as QLLMD_TEST_MODEL.
func runEngineTests(ctx context.Context, model string) error {
	info("==== Run engine tests (llama) ====")
	env := map[string]string{}
	if model != "" {
		env["QLLMD_TEST_MODEL"] = model
	}
	return RunCmd(ctx, Cmd{Path: "go", Args: []string{"test", "-tags", "llama", "-count=1", "./internal/engine/..."}, Env: env, Stream: true})
}
