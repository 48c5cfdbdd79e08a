package jobs

import (
	"context"
	"fmt"

	enumspb "go.temporal.io/api/enums/v1"
	tclient "go.temporal.io/sdk/client"
)

const (
	IngestWorkflowName    = "DocumentIngestWorkflow"
	SummarizeWorkflowName = "SummarizeWorkflow"
)

// TemporalQueue starts one workflow per job. Workflow ids are derived from
// the document, so a duplicate submission of a running job is rejected by
// the server.
type TemporalQueue struct {
	client    tclient.Client
	taskQueue string
}

func NewTemporalQueue(c tclient.Client, taskQueue string) *TemporalQueue {
	return &TemporalQueue{client: c, taskQueue: taskQueue}
}

func WorkflowID(spec Spec) string {
	switch spec.Kind {
	case KindSummarizeNote:
		return "summarize-" + spec.DocumentID
	default:
		return "ingest-" + spec.DocumentID
	}
}

func (q *TemporalQueue) Enqueue(ctx context.Context, spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	opts := tclient.StartWorkflowOptions{
		ID:                                       WorkflowID(spec),
		TaskQueue:                                q.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	workflowName := IngestWorkflowName
	if spec.Kind == KindSummarizeNote {
		workflowName = SummarizeWorkflowName
	}
	we, err := q.client.ExecuteWorkflow(ctx, opts, workflowName, spec)
	if err != nil {
		return "", fmt.Errorf("start %s workflow: %w", spec.Kind, err)
	}
	return we.GetID(), nil
}
