package source

import (
	"context"

	"github.com/seantiz/canvas/internal/model"
)

// Source produces the status stream of one job.
//
// Subscribe is cold: nothing is sent to the backend until it is called. The
// returned channel delivers snapshots in backend order and then exactly one
// terminal event (model.Success or model.Failure), after which it is closed.
// Cancelling ctx unsubscribes; the channel is then closed without a terminal
// event. Each returned channel has a single consumer.
type Source interface {
	Subscribe(ctx context.Context, jobID string, req model.GenerationRequest) <-chan model.StatusEvent

	// Capabilities reports what this source can serve.
	Capabilities() Capabilities
}

// Capabilities describes a status source.
type Capabilities struct {
	Name      string     `json:"name"`
	Mode      model.Mode `json:"mode"`
	Transport string     `json:"transport"`
}

// Emit sends ev on ch unless ctx is done first. It reports whether the event
// was delivered.
func Emit(ctx context.Context, ch chan<- model.StatusEvent, ev model.StatusEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
