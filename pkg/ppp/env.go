package ppp

import (
	"github.com/codelaboratoryltd/pppstack/pkg/fsm"
	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"go.uber.org/zap"
)

// Env carries the services shared by every protocol on one link. All of
// them must be driven from the link's event loop.
type Env struct {
	Timers fsm.TimerService
	Poster layer.Poster
	Logger *zap.Logger
}
