package content

// IsCyclic reports whether uid appears as an ancestor of itself in references, a map
// from parent uid to the child uids expanded beneath it.
func IsCyclic(uid string, references map[string][]string) bool {
	if uid == "" || len(references) == 0 {
		return false
	}
	queue := []string{uid}
	seen := map[string]struct{}{uid: {}}
	for i := 0; i < len(queue); i++ {
		for _, parent := range parentsOf(queue[i], references) {
			if parent == uid {
				return true
			}
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}
	return false
}

func parentsOf(child string, references map[string][]string) []string {
	var parents []string
	for parent, children := range references {
		for _, c := range children {
			if c == child {
				parents = append(parents, parent)
				break
			}
		}
	}
	return parents
}

// CloneReferences copies a reference map so sibling expansions do not share state.
func CloneReferences(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// AddReferences records children under parent, keeping the list unique.
func AddReferences(references map[string][]string, parent string, children []string) {
	if parent == "" {
		return
	}
	existing := references[parent]
	seen := make(map[string]struct{}, len(existing)+len(children))
	for _, uid := range existing {
		seen[uid] = struct{}{}
	}
	for _, uid := range children {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		existing = append(existing, uid)
	}
	references[parent] = existing
}
