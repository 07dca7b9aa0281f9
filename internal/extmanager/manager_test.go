package extmanager

import "testing"

func TestNamespaceSplitRoundTrip(t *testing.T) {
	cases := []struct{ ext, tool string }{
		{"github", "list_issues"},
		{"", "read"},
		{"filesystem", "write"},
	}
	for _, c := range cases {
		name := Namespace(c.ext, c.tool)
		ext, tool, ok := Split(name)
		if c.ext == "" {
			if ok {
				t.Errorf("Split(%q) = ok=true for a built-in tool, want ok=false", name)
			}
			continue
		}
		if !ok || ext != c.ext || tool != c.tool {
			t.Errorf("Split(%q) = (%q,%q,%v), want (%q,%q,true)", name, ext, tool, ok, c.ext, c.tool)
		}
	}
}

func TestToolValidateNoSchemaAlwaysPasses(t *testing.T) {
	tool := &Tool{Extension: "ext", Name: "noop"}
	if err := tool.Validate([]byte(`{"anything": true}`)); err != nil {
		t.Fatalf("expected nil error for tool with no schema, got %v", err)
	}
}

func TestToolValidateRejectsMismatchedSchema(t *testing.T) {
	schema, err := compileSchema([]byte(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`))
	if err != nil {
		t.Fatalf("compileSchema: %v", err)
	}
	tool := &Tool{Extension: "fs", Name: "read", schema: schema}

	if err := tool.Validate([]byte(`{"path": "/tmp/x"}`)); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
	if err := tool.Validate([]byte(`{}`)); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
}
