package ummech

import "testing"

func Test_StackTree_Descend_Creates_Missing_Children(t *testing.T) {
	tree := newStackTree()

	idx := tree.descend([]string{"main", "write_record"})
	if idx == rootIdx {
		t.Fatal("expected a non-root node")
	}

	if tree.nodes[idx].function != "write_record" {
		t.Fatalf("got function %q, want write_record", tree.nodes[idx].function)
	}

	idx2 := tree.descend([]string{"main", "write_record"})
	if idx2 != idx {
		t.Fatalf("descending the same path twice produced different nodes: %d != %d", idx, idx2)
	}
}

func Test_StackTree_Compact_Removes_Um_Less_Nodes_And_Reparents(t *testing.T) {
	tree := newStackTree()

	mainIdx := tree.descend([]string{"main"})
	tree.attach(mainIdx, UM{9})

	leaf := tree.descend([]string{"main", "write_record", "flush_buf"})
	tree.attach(leaf, UM{0, 1})

	tree.compact()

	// write_record had no UMs attached directly; it should be removed
	// and flush_buf reparented directly under main (which survives,
	// since it owns its own UM).
	found := false

	for _, child := range tree.nodes[mainIdx].children {
		if tree.nodes[child].alive && tree.nodes[child].function == "flush_buf" {
			found = true
		}
	}

	if !found {
		t.Fatal("expected flush_buf to be reparented under main after compaction")
	}

	if child, ok := tree.nodes[mainIdx].children["write_record"]; ok && tree.nodes[child].alive {
		t.Fatal("write_record should have been removed by compaction")
	}
}

func Test_StackTree_SubtreeUMs_Gathers_Descendants(t *testing.T) {
	tree := newStackTree()

	parent := tree.descend([]string{"main"})
	tree.attach(parent, UM{0})

	child := tree.descend([]string{"main", "write_record"})
	tree.attach(child, UM{1})

	got := tree.subtreeUMs(parent)
	if len(got) != 2 {
		t.Fatalf("got %d UMs, want 2 (own + descendant)", len(got))
	}
}
