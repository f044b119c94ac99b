package graph

import "testing"

func TestValidateAcyclic_LinearChainSorts(t *testing.T) {
	nodes := []string{"job_a", "job_b", "job_c"}
	dependsOn := map[string][]string{
		"job_b": {"job_a"},
		"job_c": {"job_b"},
	}
	sorted, err := ValidateAcyclic(nodes, dependsOn)
	if err != nil {
		t.Fatalf("ValidateAcyclic: %v", err)
	}
	if len(sorted) != 3 {
		t.Fatalf("sorted = %v, want 3 nodes", sorted)
	}
}

func TestValidateAcyclic_RejectsCycle(t *testing.T) {
	nodes := []string{"job_a", "job_b", "job_c"}
	dependsOn := map[string][]string{
		"job_b": {"job_a"},
		"job_c": {"job_b"},
		"job_a": {"job_c"},
	}
	_, err := ValidateAcyclic(nodes, dependsOn)
	if err == nil {
		t.Fatal("expected a cycle error")
	}
}

func TestValidateAcyclic_EmptyNodes(t *testing.T) {
	sorted, err := ValidateAcyclic(nil, nil)
	if err != nil {
		t.Fatalf("ValidateAcyclic: %v", err)
	}
	if sorted != nil {
		t.Fatalf("sorted = %v, want nil", sorted)
	}
}

func TestValidateAcyclic_UnknownDependencyIgnored(t *testing.T) {
	nodes := []string{"job_a"}
	dependsOn := map[string][]string{"job_a": {"job_ghost"}}
	sorted, err := ValidateAcyclic(nodes, dependsOn)
	if err != nil {
		t.Fatalf("ValidateAcyclic: %v", err)
	}
	if len(sorted) != 1 {
		t.Fatalf("sorted = %v, want 1 node", sorted)
	}
}
