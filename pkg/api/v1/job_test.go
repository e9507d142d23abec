package v1

import "testing"

func TestFlowPathDepth(t *testing.T) {
	cases := map[FlowPath]int{
		"":                0,
		"flow":            1,
		"flow/parallel":   2,
		"flow/parallel/a": 3,
		"/flow/a/":        2,
	}
	for path, want := range cases {
		if got := path.Depth(); got != want {
			t.Errorf("Depth(%q) = %d, want %d", path, got, want)
		}
	}
}

func TestFlowPathParent(t *testing.T) {
	if got := FlowPath("flow/parallel/a").Parent(); got != "flow/parallel" {
		t.Errorf("unexpected parent %q", got)
	}
	if got := FlowPath("flow").Parent(); got != "" {
		t.Errorf("expected empty parent, got %q", got)
	}
}
