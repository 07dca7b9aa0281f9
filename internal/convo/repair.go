package convo

// RepairTranscript restores the tool_request/tool_response pairing
// invariant over a possibly-truncated or crash-interrupted transcript.
// Any assistant turn clears the set of calls pending a response (a new
// assistant turn never answers an earlier one); any tool_response whose
// call id is not currently pending is dropped; any tool turn left with no
// surviving responses is dropped entirely. A tool_response with an empty
// ToolCallID is assigned to the oldest pending call, since some providers
// omit the id on a single-tool-call turn.
func RepairTranscript(history []*Message) []*Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]bool)
	pendingOrder := make([]string, 0, 4)
	repaired := make([]*Message, 0, len(history))

	clearPending := func() {
		for k := range pending {
			delete(pending, k)
		}
		pendingOrder = pendingOrder[:0]
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case RoleAssistant:
			clearPending()
			for _, c := range msg.Content {
				if c.Kind == KindToolRequest && c.ToolCallID != "" {
					pending[c.ToolCallID] = true
					pendingOrder = append(pendingOrder, c.ToolCallID)
				}
			}
			repaired = append(repaired, msg)

		case RoleTool:
			fixed := make([]MessageContent, 0, len(msg.Content))
			for _, c := range msg.Content {
				if c.Kind != KindToolResponse {
					continue
				}
				id := c.ToolCallID
				if id == "" && len(pendingOrder) > 0 {
					id = pendingOrder[0]
				}
				if id == "" || !pending[id] {
					continue
				}
				c.ToolCallID = id
				delete(pending, id)
				pendingOrder = removeID(pendingOrder, id)
				fixed = append(fixed, c)
			}
			if len(fixed) == 0 {
				continue
			}
			copied := *msg
			copied.Content = fixed
			repaired = append(repaired, &copied)

		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
