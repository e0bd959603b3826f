package workflow

// ValidationChain is the standard goal-to-verdict pipeline: a coder
// produces an artifact, a tester exercises it, a documenter writes it
// up, and a validator renders the verdict. Each node sees everything
// its predecessors produced.
func ValidationChain() Definition {
	return Definition{
		Name:  "validation_chain",
		Start: "code",
		Nodes: map[string]Node{
			"code": {
				Name:  "code",
				Role:  "coder",
				After: "test",
				Build: func(artifacts map[string]any) map[string]any {
					return map[string]any{"goal": artifacts["goal"]}
				},
			},
			"test": {
				Name:  "test",
				Role:  "tester",
				After: "document",
				Build: func(artifacts map[string]any) map[string]any {
					return map[string]any{"code": artifacts["code"]}
				},
			},
			"document": {
				Name:  "document",
				Role:  "documenter",
				After: "validate",
				Build: func(artifacts map[string]any) map[string]any {
					return map[string]any{
						"goal":        artifacts["goal"],
						"code":        artifacts["code"],
						"test_report": artifacts["test_report"],
					}
				},
			},
			"validate": {
				Name: "validate",
				Role: "validator",
				Build: func(artifacts map[string]any) map[string]any {
					return map[string]any{
						"goal":        artifacts["goal"],
						"code":        artifacts["code"],
						"test_report": artifacts["test_report"],
						"docs":        artifacts["docs"],
					}
				},
				// Terminal node: fold the verdict into the artifacts so
				// callers see valid alongside validation_result.
				Next: func(artifacts map[string]any) string {
					artifacts["valid"] = Verdict(artifacts)
					return ""
				},
			},
		},
	}
}

// Verdict extracts the final valid flag from chain artifacts. Anything
// other than a well-formed validation_result map counts as invalid.
func Verdict(artifacts map[string]any) bool {
	result, ok := artifacts["validation_result"].(map[string]any)
	if !ok {
		return false
	}
	valid, ok := result["valid"].(bool)
	return ok && valid
}
