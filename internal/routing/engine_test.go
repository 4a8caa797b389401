package routing

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/dicom"
)

func testDataset(values map[string]string) *dicom.Dataset {
	ds := dicom.NewDataset()
	for keyword, value := range values {
		tag, ok := dicom.KeywordTag(keyword)
		if !ok {
			panic("unknown keyword " + keyword)
		}
		ds.SetString(tag, "", value)
	}
	return ds
}

func testRoute() *config.RouteConfig {
	return &config.RouteConfig{
		AETitle: "GATE",
		Port:    11112,
		Destinations: []config.RouteDestination{
			{Name: "pacs", Priority: 2},
			{Name: "research", Priority: 1},
			{Name: "nas", Priority: 3},
		},
	}
}

func TestPlan_DefaultAllEdgesByPriority(t *testing.T) {
	e, err := NewEngine(testRoute(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	plan, err := e.Plan(testDataset(map[string]string{"Modality": "CT"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := []string{plan[0].Name, plan[1].Name, plan[2].Name}
	want := []string{"research", "pacs", "nas"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected priority order %v, got %v", want, got)
		}
	}
}

func TestPlan_DisabledDestinationSkipped(t *testing.T) {
	e, err := NewEngine(testRoute(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	enabled := func(name string) bool { return name != "pacs" }
	plan, err := e.Plan(testDataset(nil), enabled)
	if err != nil {
		t.Fatal(err)
	}
	for _, edge := range plan {
		if edge.Name == "pacs" {
			t.Fatal("disabled destination in plan")
		}
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(plan))
	}
}

func TestPlan_RoutingRuleSelectsSubset(t *testing.T) {
	route := testRoute()
	route.RoutingRules = []config.RoutingRule{
		{Name: "mr-to-research", Tag: "Modality", Operator: "equals", Value: "MR", Destinations: []string{"research"}},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	plan, err := e.Plan(testDataset(map[string]string{"Modality": "MR"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 1 || plan[0].Name != "research" {
		t.Fatalf("expected [research], got %v", plan)
	}

	// Non-matching modality falls through to all edges.
	plan, err = e.Plan(testDataset(map[string]string{"Modality": "CT"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 3 {
		t.Fatalf("expected full default plan, got %d edges", len(plan))
	}
}

func TestPlan_ValidationReject(t *testing.T) {
	route := testRoute()
	route.ValidationRules = []config.ValidationRule{
		{Type: "required_tag", Tag: "PatientID", OnFailure: "reject"},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Plan(testDataset(map[string]string{"Modality": "CT"}), nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// The same study with a PatientID passes.
	if _, err := e.Plan(testDataset(map[string]string{"PatientID": "P1"}), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPlan_ValidationWarnDoesNotReject(t *testing.T) {
	route := testRoute()
	route.ValidationRules = []config.ValidationRule{
		{Type: "required_tag", Tag: "AccessionNumber", OnFailure: "warn"},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Plan(testDataset(nil), nil); err != nil {
		t.Fatalf("warn must not reject, got %v", err)
	}
}

func TestPlan_TagValueValidation(t *testing.T) {
	route := testRoute()
	route.ValidationRules = []config.ValidationRule{
		{Type: "tag_value", Tag: "Modality", Operator: "in", Value: "CT,MR", OnFailure: "reject"},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Plan(testDataset(map[string]string{"Modality": "CT"}), nil); err != nil {
		t.Fatalf("CT should pass: %v", err)
	}
	if _, err := e.Plan(testDataset(map[string]string{"Modality": "US"}), nil); err == nil {
		t.Fatal("US should be rejected")
	}
}

func TestPlan_TagLengthValidation(t *testing.T) {
	route := testRoute()
	route.ValidationRules = []config.ValidationRule{
		{Type: "tag_length", Tag: "PatientID", MinLength: 3, MaxLength: 8, OnFailure: "reject"},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Plan(testDataset(map[string]string{"PatientID": "AB"}), nil); err == nil {
		t.Fatal("too-short value should be rejected")
	}
	if _, err := e.Plan(testDataset(map[string]string{"PatientID": "ABCD"}), nil); err != nil {
		t.Fatalf("in-range value should pass: %v", err)
	}
}

func TestPlan_ExcludeFilter(t *testing.T) {
	route := testRoute()
	route.FilterRules = []config.FilterRule{
		{Action: "exclude", Tag: "Modality", Operator: "equals", Value: "OT"},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Plan(testDataset(map[string]string{"Modality": "OT"}), nil)
	var ferr *FilteredError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected FilteredError, got %v", err)
	}
	if _, err := e.Plan(testDataset(map[string]string{"Modality": "CT"}), nil); err != nil {
		t.Fatalf("non-excluded modality should pass: %v", err)
	}
}

func TestPlan_IncludeFilter(t *testing.T) {
	route := testRoute()
	route.FilterRules = []config.FilterRule{
		{Action: "include", Tag: "StudyDescription", Operator: "contains", Value: "RESEARCH"},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Plan(testDataset(map[string]string{"StudyDescription": "RESEARCH BRAIN"}), nil); err != nil {
		t.Fatalf("included study should pass: %v", err)
	}
	var ferr *FilteredError
	if _, err := e.Plan(testDataset(map[string]string{"StudyDescription": "CLINICAL"}), nil); !errors.As(err, &ferr) {
		t.Fatalf("expected FilteredError, got %v", err)
	}
}

func TestPlan_NumericTagReference(t *testing.T) {
	route := testRoute()
	route.RoutingRules = []config.RoutingRule{
		{Name: "numeric", Tag: "0008,0060", Operator: "equals", Value: "MR", Destinations: []string{"nas"}},
	}
	e, err := NewEngine(route, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	plan, err := e.Plan(testDataset(map[string]string{"Modality": "MR"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 1 || plan[0].Name != "nas" {
		t.Fatalf("expected [nas], got %v", plan)
	}
}

func TestNewEngine_BadRegexFailsAtStartup(t *testing.T) {
	route := testRoute()
	route.FilterRules = []config.FilterRule{
		{Action: "exclude", Tag: "Modality", Operator: "matches", Value: "(unclosed"},
	}
	if _, err := NewEngine(route, zap.NewNop()); err == nil {
		t.Fatal("expected compile error for bad regex")
	}
}

func TestNewEngine_UnknownTagFailsAtStartup(t *testing.T) {
	route := testRoute()
	route.RoutingRules = []config.RoutingRule{
		{Tag: "NotAKeyword", Operator: "equals", Value: "x", Destinations: []string{"pacs"}},
	}
	if _, err := NewEngine(route, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown tag keyword")
	}
}
