package workflows

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker) {
	w.RegisterWorkflow(DocumentIngestWorkflow)
	w.RegisterWorkflow(SummarizeWorkflow)
	w.RegisterWorkflow(StaleSweepWorkflow)
}
