package protocol

// Bus subjects spoken by the control plane. Trigger events arrive from
// external producers; everything else is internal or published for
// downstream consumers of run/approval notifications.
const (
	SubjectTriggerPrefix   = "trigger.event."
	SubjectTriggerWildcard = "trigger.event.>"

	SubjectInvoke       = "sb.invoke.request"
	SubjectInvokeResult = "sb.invoke.result"
	SubjectInvokeCancel = "sb.invoke.cancel"

	SubjectRunResultPrefix   = "run.result."
	SubjectApprovalRequested = "approval.requested"
	SubjectApprovalResolved  = "approval.resolved"
)

// RunResultSubject returns the publish subject for a workflow's run results.
func RunResultSubject(workflowName string) string {
	return SubjectRunResultPrefix + workflowName
}

// TriggerSubject maps an external event subject onto the bus.
func TriggerSubject(eventSubject string) string {
	return SubjectTriggerPrefix + eventSubject
}
