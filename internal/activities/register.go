package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.LoadStatusActivity)
	w.RegisterActivity(a.GateActivity)
	w.RegisterActivity(a.AcceptActivity)
	w.RegisterActivity(a.ExtractTextActivity)
	w.RegisterActivity(a.ChunkTextActivity)
	w.RegisterActivity(a.EmbedChunksActivity)
	w.RegisterActivity(a.CompleteActivity)
	w.RegisterActivity(a.MarkFailedActivity)
	w.RegisterActivity(a.SummarizeActivity)
	w.RegisterActivity(a.MarkSummaryFailedActivity)
	w.RegisterActivity(a.SweepStaleActivity)
}
