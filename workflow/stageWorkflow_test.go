package workflow

import (
	"context"
	"testing"

	"bitbucket.org/harborlightlabs/billsync_backend/events"
	"bitbucket.org/harborlightlabs/billsync_backend/models"
)

const finalTaskTitle = "Send final documents"

func retainerMapping(targetStageId string) *models.StageCompletionMapping {
	return &models.StageCompletionMapping{
		ID:            1,
		SourceStageId: "stage-retainer",
		TargetStageId: targetStageId,
		IsActive:      true,
	}
}

func TestTaskCompleted_MovesStagePerMappingRule(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", finalTaskTitle)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.oppPlan = []*Opportunity{{Id: "opp-1", PipelineId: "pipe-1", StageId: "stage-retainer", Status: "open"}}
	fl.mappings["stage-retainer"] = retainerMapping("stage-active")
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: finalTaskTitle, OpportunityId: "opp-1", ContactId: "contact-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Moved || res.Noop {
		t.Fatalf("expected a move, got %+v", res)
	}
	if res.ToPipelineId != "pipe-1" || res.ToStageId != "stage-active" {
		t.Fatalf("expected the rule target (pipeline defaulted), got %+v", res)
	}
	if len(fc.stageUpdates) != 1 || fc.stageUpdates[0].opportunityId != "opp-1" {
		t.Fatalf("expected one stage update, got %+v", fc.stageUpdates)
	}
}

func TestTaskCompleted_TitleMismatch_IsNoop(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", finalTaskTitle)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: "Collect intake forms", OpportunityId: "opp-1", ContactId: "contact-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonTitleMismatch {
		t.Fatalf("expected a title-mismatch no-op, got %+v", res)
	}
	if fc.oppCalls != 0 {
		t.Fatal("expected no CRM traffic for a mismatched title")
	}
}

func TestTaskCompleted_PolicyUnset_IsNoop(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", "")

	r := testReconciler(newFakeCrm(), &fakeBilling{}, newFakeLedger())
	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: "anything", ContactId: "contact-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonPolicyUnset {
		t.Fatalf("expected a policy-unset no-op, got %+v", res)
	}
}

func TestTaskCompleted_NoMappingRule_IsNoop(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", finalTaskTitle)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.oppPlan = []*Opportunity{{Id: "opp-1", PipelineId: "pipe-1", StageId: "stage-retainer", Status: "open"}}
	inactive := retainerMapping("stage-active")
	inactive.IsActive = false
	fl.mappings["stage-retainer"] = inactive
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: finalTaskTitle, OpportunityId: "opp-1", ContactId: "contact-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonNoMappingRule {
		t.Fatalf("expected a no-mapping-rule no-op, got %+v", res)
	}
	if len(fc.stageUpdates) != 0 {
		t.Fatal("expected no stage update without a rule")
	}
}

func TestTaskCompleted_RuleWithoutTarget_IsNoop(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", finalTaskTitle)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.oppPlan = []*Opportunity{{Id: "opp-1", PipelineId: "pipe-1", StageId: "stage-retainer", Status: "open"}}
	fl.mappings["stage-retainer"] = retainerMapping("")
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: finalTaskTitle, OpportunityId: "opp-1", ContactId: "contact-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonNoTarget {
		t.Fatalf("expected a no-target no-op, got %+v", res)
	}
}

func TestTaskCompleted_AlreadyAtTarget_IsNoop(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", finalTaskTitle)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.oppPlan = []*Opportunity{{Id: "opp-1", PipelineId: "pipe-1", StageId: "stage-retainer", Status: "open"}}
	fl.mappings["stage-retainer"] = retainerMapping("stage-retainer")
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: finalTaskTitle, OpportunityId: "opp-1", ContactId: "contact-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonAlreadyAdvanced {
		t.Fatalf("expected an already-advanced no-op, got %+v", res)
	}
	if len(fc.stageUpdates) != 0 {
		t.Fatal("expected no redundant stage update")
	}
}

func TestTaskCompleted_PrefersSingleOpenOpportunity(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", finalTaskTitle)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.searchResults = []Opportunity{
		{Id: "opp-lost", PipelineId: "pipe-1", StageId: "stage-x", Status: "lost"},
		{Id: "opp-open", PipelineId: "pipe-1", StageId: "stage-retainer", Status: "Open"},
		{Id: "opp-won", PipelineId: "pipe-1", StageId: "stage-y", Status: "won"},
	}
	fl.mappings["stage-retainer"] = retainerMapping("stage-active")
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: finalTaskTitle, ContactId: "contact-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Moved || res.OpportunityId != "opp-open" {
		t.Fatalf("expected the single open opportunity chosen, got %+v", res)
	}
}

func TestTaskCompleted_NoOpportunityForContact_IsNoop(t *testing.T) {
	t.Setenv("FINAL_TASK_TITLE", finalTaskTitle)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessTaskCompleted(context.Background(), events.TaskCompleted{
		TaskId: "task-1", Title: finalTaskTitle, ContactId: "contact-without-opps",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonNoOpportunity {
		t.Fatalf("expected a no-opportunity no-op, got %+v", res)
	}
}

func surveyPolicyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SURVEY_PIPELINE_ID", "pipe-intake")
	t.Setenv("SURVEY_STAGE_ID", "stage-survey")
	t.Setenv("SURVEY_NEXT_PIPELINE_ID", "")
	t.Setenv("SURVEY_NEXT_STAGE_ID", "stage-consult")
	t.Setenv("SURVEY_POLL_DELAY_SECONDS", "0,0")
}

func TestSurveyCompleted_AdvancesWhenNobodyElseDoes(t *testing.T) {
	surveyPolicyEnv(t)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.searchResults = []Opportunity{{Id: "opp-1", PipelineId: "pipe-intake", StageId: "stage-survey", Status: "open"}}
	// Every poll still sees the survey stage; exhaustion makes us the mover.
	fc.oppPlan = []*Opportunity{{Id: "opp-1", PipelineId: "pipe-intake", StageId: "stage-survey", Status: "open"}}
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessSurveyCompleted(context.Background(), events.SurveyCompleted{ContactId: "contact-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Moved {
		t.Fatalf("expected the survey to advance the stage, got %+v", res)
	}
	if res.ToPipelineId != "pipe-intake" || res.ToStageId != "stage-consult" {
		t.Fatalf("expected the configured next stage, got %+v", res)
	}
	if fc.oppCalls != 3 {
		t.Fatalf("expected 3 poll checks for 2 delays, got %d", fc.oppCalls)
	}
	if len(fc.stageUpdates) != 1 || fc.stageUpdates[0].stageId != "stage-consult" {
		t.Fatalf("expected one stage update, got %+v", fc.stageUpdates)
	}
}

func TestSurveyCompleted_NoopWhenAnotherProcessMovesFirst(t *testing.T) {
	surveyPolicyEnv(t)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.searchResults = []Opportunity{{Id: "opp-1", PipelineId: "pipe-intake", StageId: "stage-survey", Status: "open"}}
	fc.oppPlan = []*Opportunity{
		{Id: "opp-1", PipelineId: "pipe-intake", StageId: "stage-survey", Status: "open"},
		{Id: "opp-1", PipelineId: "pipe-intake", StageId: "stage-consult", Status: "open"},
	}
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessSurveyCompleted(context.Background(), events.SurveyCompleted{ContactId: "contact-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonAlreadyAdvanced {
		t.Fatalf("expected an already-advanced no-op, got %+v", res)
	}
	if fc.oppCalls != 2 {
		t.Fatalf("expected the poll to stop once moved, got %d checks", fc.oppCalls)
	}
	if len(fc.stageUpdates) != 0 {
		t.Fatal("expected no second mover")
	}
}

func TestSurveyCompleted_NotInSurveyStage_IsImmediateNoop(t *testing.T) {
	surveyPolicyEnv(t)

	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fc.searchResults = []Opportunity{{Id: "opp-1", PipelineId: "pipe-other", StageId: "stage-other", Status: "open"}}
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessSurveyCompleted(context.Background(), events.SurveyCompleted{ContactId: "contact-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonAlreadyAdvanced {
		t.Fatalf("expected an immediate no-op, got %+v", res)
	}
	if fc.oppCalls != 0 {
		t.Fatal("expected no polling when the opportunity is elsewhere")
	}
}

func TestSurveyCompleted_PolicyUnset_IsNoop(t *testing.T) {
	t.Setenv("SURVEY_PIPELINE_ID", "")
	t.Setenv("SURVEY_STAGE_ID", "")
	t.Setenv("SURVEY_NEXT_STAGE_ID", "")

	r := testReconciler(newFakeCrm(), &fakeBilling{}, newFakeLedger())
	res, err := r.ProcessSurveyCompleted(context.Background(), events.SurveyCompleted{ContactId: "contact-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Noop || res.Reason != NoopReasonPolicyUnset {
		t.Fatalf("expected a policy-unset no-op, got %+v", res)
	}
}

func TestOpportunityStageChanged_AnnotatesLedgerRows(t *testing.T) {
	fc, fb, fl := newFakeCrm(), &fakeBilling{}, newFakeLedger()
	fl.invoices["INV1"] = &models.Invoice{ID: 1, CrmInvoiceId: "INV1", OpportunityId: "opp-1", Status: models.InvoiceStatusUnpaid}
	fl.invoices["INV2"] = &models.Invoice{ID: 2, CrmInvoiceId: "INV2", OpportunityId: "opp-1", Status: models.InvoiceStatusPaid}
	fl.invoices["INV3"] = &models.Invoice{ID: 3, CrmInvoiceId: "INV3", OpportunityId: "opp-other", Status: models.InvoiceStatusUnpaid}
	r := testReconciler(fc, fb, fl)

	res, err := r.ProcessOpportunityStageChanged(context.Background(), events.OpportunityStageChanged{
		OpportunityId: "opp-1", PipelineId: "pipe-1", StageId: "stage-active", StageName: "Active Matter",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RowsAnnotated != 2 {
		t.Fatalf("expected 2 rows annotated, got %d", res.RowsAnnotated)
	}
	if got := fl.invoice("INV1").OpportunityStageName; got != "Active Matter" {
		t.Fatalf("expected the stage name mirrored, got %q", got)
	}
	if got := fl.invoice("INV3").OpportunityStageName; got != "" {
		t.Fatalf("expected other opportunities untouched, got %q", got)
	}
}

func TestTaskCreated_IsAuditOnly(t *testing.T) {
	r := testReconciler(newFakeCrm(), &fakeBilling{}, newFakeLedger())
	res, err := r.ProcessTaskCreated(context.Background(), events.TaskCreated{TaskId: "task-1", ContactId: "contact-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TaskId != "task-1" || res.Reason != NoopReasonNotConfigured {
		t.Fatalf("expected an audit-only result, got %+v", res)
	}
}
