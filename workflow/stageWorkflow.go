package workflow

import (
	"context"
	"strings"

	"bitbucket.org/harborlightlabs/billsync_backend/config"
	"bitbucket.org/harborlightlabs/billsync_backend/events"
)

// resolveOpportunity finds the opportunity a task or survey event refers to.
// A direct id wins and must exist; otherwise the contact's opportunities are
// searched, preferring the single open one, else the first returned.
func (r *Reconciler) resolveOpportunity(ctx context.Context, opportunityId, contactId string) (*Opportunity, error) {
	if opportunityId != "" {
		opp, err := r.Crm.GetOpportunity(ctx, opportunityId)
		if err != nil {
			return nil, err
		}
		if opp == nil {
			return nil, &NotFoundError{System: "leadrail", Entity: "opportunity", Id: opportunityId}
		}
		return opp, nil
	}
	if contactId == "" {
		return nil, nil
	}
	opps, err := r.Crm.SearchOpportunitiesByContact(ctx, contactId)
	if err != nil {
		return nil, err
	}
	if len(opps) == 0 {
		return nil, nil
	}
	openIdx, openCount := -1, 0
	for i := range opps {
		if strings.EqualFold(opps[i].Status, OpportunityStatusOpen) {
			openCount++
			if openIdx == -1 {
				openIdx = i
			}
		}
	}
	if openCount == 1 {
		return &opps[openIdx], nil
	}
	return &opps[0], nil
}

// ProcessTaskCompleted moves an opportunity down the pipeline when the firm's
// final task completes. The task title must equal the configured sentinel
// exactly; the move itself comes from the stage_completion_mappings rulebook,
// and a stage with no usable rule is a normal no-op.
func (r *Reconciler) ProcessTaskCompleted(ctx context.Context, ev events.TaskCompleted) (*StageTransitionResult, error) {
	ctx, span := r.span(ctx, "workflow.task_completed")
	defer span.End()

	res := &StageTransitionResult{}

	policy := config.StagePolicy()
	if policy.FinalTaskTitle == "" {
		res.Noop = true
		res.Reason = NoopReasonPolicyUnset
		return res, nil
	}
	if ev.Title != policy.FinalTaskTitle {
		res.Noop = true
		res.Reason = NoopReasonTitleMismatch
		return res, nil
	}

	opp, err := r.resolveOpportunity(ctx, ev.OpportunityId, ev.ContactId)
	if err != nil {
		return nil, err
	}
	if opp == nil {
		res.Noop = true
		res.Reason = NoopReasonNoOpportunity
		return res, nil
	}
	res.OpportunityId = opp.Id
	res.FromPipelineId = opp.PipelineId
	res.FromStageId = opp.StageId

	rule, err := r.Ledger.ActiveStageMapping(ctx, opp.StageId)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		res.Noop = true
		res.Reason = NoopReasonNoMappingRule
		return res, nil
	}
	if rule.TargetStageId == "" {
		res.Noop = true
		res.Reason = NoopReasonNoTarget
		return res, nil
	}

	targetPipeline := rule.TargetPipelineId
	if targetPipeline == "" {
		targetPipeline = opp.PipelineId
	}
	if targetPipeline == opp.PipelineId && rule.TargetStageId == opp.StageId {
		res.Noop = true
		res.Reason = NoopReasonAlreadyAdvanced
		return res, nil
	}

	if err := r.Crm.UpdateOpportunityStage(ctx, opp.Id, targetPipeline, rule.TargetStageId); err != nil {
		return nil, err
	}
	res.Moved = true
	res.ToPipelineId = targetPipeline
	res.ToStageId = rule.TargetStageId
	return res, nil
}

// ProcessSurveyCompleted advances an opportunity out of the intake-survey
// stage, but only after giving any competing automation two chances to do it
// first. Poll completion means someone else moved it (no-op); poll exhaustion
// means the survey is the trigger and we move it ourselves.
func (r *Reconciler) ProcessSurveyCompleted(ctx context.Context, ev events.SurveyCompleted) (*StageTransitionResult, error) {
	ctx, span := r.span(ctx, "workflow.survey_completed")
	defer span.End()

	res := &StageTransitionResult{}

	policy := config.StagePolicy()
	if policy.SurveyPipelineId == "" || policy.SurveyStageId == "" || policy.SurveyNextStageId == "" {
		res.Noop = true
		res.Reason = NoopReasonPolicyUnset
		return res, nil
	}

	opp, err := r.resolveOpportunity(ctx, "", ev.ContactId)
	if err != nil {
		return nil, err
	}
	if opp == nil {
		res.Noop = true
		res.Reason = NoopReasonNoOpportunity
		return res, nil
	}
	res.OpportunityId = opp.Id
	res.FromPipelineId = opp.PipelineId
	res.FromStageId = opp.StageId

	if opp.PipelineId != policy.SurveyPipelineId || opp.StageId != policy.SurveyStageId {
		res.Noop = true
		res.Reason = NoopReasonAlreadyAdvanced
		return res, nil
	}

	check := func(ctx context.Context) (PollOutcome[*Opportunity], error) {
		var out PollOutcome[*Opportunity]
		cur, err := r.Crm.GetOpportunity(ctx, opp.Id)
		if err != nil {
			return out, err
		}
		if cur == nil || cur.PipelineId != policy.SurveyPipelineId || cur.StageId != policy.SurveyStageId {
			out.Complete = true
			out.Data = cur
			return out, nil
		}
		out.Missing = []string{"opportunity still in survey stage"}
		return out, nil
	}

	_, err = PollOnSchedule(ctx, check, config.SurveyPollDelays())
	switch {
	case err == nil:
		// Another process advanced (or removed) the opportunity first.
		res.Noop = true
		res.Reason = NoopReasonAlreadyAdvanced
		return res, nil
	case IsIncompleteData(err):
		// Still sitting in the survey stage: this survey is the trigger.
		if uerr := r.Crm.UpdateOpportunityStage(ctx, opp.Id, policy.SurveyNextPipelineId, policy.SurveyNextStageId); uerr != nil {
			return nil, uerr
		}
		res.Moved = true
		res.ToPipelineId = policy.SurveyNextPipelineId
		res.ToStageId = policy.SurveyNextStageId
		return res, nil
	default:
		return nil, err
	}
}

// ProcessOpportunityStageChanged annotates the opportunity's ledger rows with
// its new pipeline position. No CRM call happens here, so the stage-change
// webhook our own UpdateOpportunityStage triggers terminates as one
// idempotent annotation pass instead of looping.
func (r *Reconciler) ProcessOpportunityStageChanged(ctx context.Context, ev events.OpportunityStageChanged) (*StageMirrorResult, error) {
	ctx, span := r.span(ctx, "workflow.opportunity_stage_changed")
	defer span.End()

	rows, err := r.Ledger.MirrorOpportunityStage(ctx, ev.OpportunityId, ev.PipelineId, ev.StageId, ev.StageName)
	if err != nil {
		return nil, err
	}
	return &StageMirrorResult{
		OpportunityId: ev.OpportunityId,
		StageName:     ev.StageName,
		RowsAnnotated: rows,
	}, nil
}

// ProcessTaskCreated only audits. Stage movement keys off completion, never
// creation.
func (r *Reconciler) ProcessTaskCreated(ctx context.Context, ev events.TaskCreated) (*TaskAuditResult, error) {
	return &TaskAuditResult{TaskId: ev.TaskId, Reason: NoopReasonNotConfigured}, nil
}
