package convo

import "testing"

func TestRepairTranscriptDropsOrphanResponse(t *testing.T) {
	history := []*Message{
		NewMessage("s1", RoleUser, Text("hi")),
		NewMessage("s1", RoleTool, ToolResponse("missing-call", "result", false)),
	}

	repaired := RepairTranscript(history)
	if len(repaired) != 1 {
		t.Fatalf("expected orphan tool response to be dropped, got %d messages", len(repaired))
	}
	if err := ValidatePairing(repaired); err != nil {
		t.Fatalf("repaired transcript should validate, got %v", err)
	}
}

func TestRepairTranscriptKeepsValidPairs(t *testing.T) {
	history := []*Message{
		NewMessage("s1", RoleUser, Text("hi")),
		NewMessage("s1", RoleAssistant, ToolRequest("call-1", "", "read", []byte(`{}`))),
		NewMessage("s1", RoleTool, ToolResponse("call-1", "contents", false)),
	}

	repaired := RepairTranscript(history)
	if len(repaired) != 3 {
		t.Fatalf("expected all 3 messages to survive, got %d", len(repaired))
	}
	if err := ValidatePairing(repaired); err != nil {
		t.Fatalf("valid transcript should pass ValidatePairing, got %v", err)
	}
}

func TestRepairTranscriptClearsPendingOnNewAssistantTurn(t *testing.T) {
	history := []*Message{
		NewMessage("s1", RoleAssistant, ToolRequest("call-1", "", "read", []byte(`{}`))),
		NewMessage("s1", RoleAssistant, Text("never mind")),
		NewMessage("s1", RoleTool, ToolResponse("call-1", "stale", false)),
	}

	repaired := RepairTranscript(history)
	if len(repaired) != 2 {
		t.Fatalf("expected stale tool response dropped after new assistant turn, got %d", len(repaired))
	}
}

func TestRepairTranscriptAssignsMissingCallID(t *testing.T) {
	history := []*Message{
		NewMessage("s1", RoleAssistant, ToolRequest("call-1", "", "read", []byte(`{}`))),
		NewMessage("s1", RoleTool, ToolResponse("", "result", false)),
	}

	repaired := RepairTranscript(history)
	if err := ValidatePairing(repaired); err != nil {
		t.Fatalf("expected empty-id response to be assigned to pending call, got %v", err)
	}
}
