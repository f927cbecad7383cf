package retrieval

import (
	"github.com/poiesic/passim/core"
)

// QueryMonitor provides hooks to observe the retrieval process.
// Implement this interface to track intermediate steps and results during a query.
type QueryMonitor interface {
	Start(req Request)
	AfterEmbedding(vector []float32)
	AfterSearch(hits []*core.SearchHit)
	AfterTargets(targets []core.Slot)
	Finish(results []*core.RetrievalResult)
}

// noopMonitor is a no-op implementation of QueryMonitor
type noopMonitor struct{}

var _ QueryMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ Request)                  {}
func (n *noopMonitor) AfterEmbedding(_ []float32)       {}
func (n *noopMonitor) AfterSearch(_ []*core.SearchHit)  {}
func (n *noopMonitor) AfterTargets(_ []core.Slot)       {}
func (n *noopMonitor) Finish(_ []*core.RetrievalResult) {}
