package agent

import (
	"github.com/fnproject/fndebug/api/common"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	variantKey = common.MakeKey("variant")

	activationsMeasure = common.MakeMeasure("agent_activations", "activations exchanged with the agent", "")
	waitMeasure        = common.MakeMeasure("agent_wait_latency", "time spent waiting for the next activation", "msecs")

	stateGaugeMeasures [StateMax]*stats.Int64Measure
	stateTimeMeasures  [StateMax]*stats.Int64Measure
)

func init() {
	for i := StateType(0); i < StateMax; i++ {
		if stateGaugeKeys[i] != "" {
			stateGaugeMeasures[i] = common.MakeMeasure(stateGaugeKeys[i], "agent slot state gauge", "")
		}
		if stateTimeKeys[i] != "" {
			stateTimeMeasures[i] = common.MakeMeasure(stateTimeKeys[i], "agent slot state time", "msecs")
		}
	}
}

// RegisterViews creates and registers the agent views.
func RegisterViews(latencyDist []float64) {
	tags := append([]tag.Key{variantKey}, common.OpTags()...)
	views := []*view.View{
		common.CreateViewWithTags(activationsMeasure, view.Count(), tags),
		common.CreateViewWithTags(waitMeasure, view.Distribution(latencyDist...), tags),
	}
	for i := StateType(0); i < StateMax; i++ {
		if stateGaugeMeasures[i] != nil {
			views = append(views, common.CreateView(stateGaugeMeasures[i], view.Sum(), nil))
		}
		if stateTimeMeasures[i] != nil {
			views = append(views, common.CreateView(stateTimeMeasures[i], view.Distribution(latencyDist...), nil))
		}
	}
	if err := view.Register(views...); err != nil {
		logrus.WithError(err).Fatal("cannot register view")
	}
}
